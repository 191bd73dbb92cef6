package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongjun500/tunnel-go/internal/protocol"
)

func TestBroker_SendNotConnected(t *testing.T) {
	b := NewBroker(BrokerConfig{})
	env, err := protocol.NewEnvelope(protocol.MsgPing, "a", "b", nil)
	require.NoError(t, err)

	err = b.Send(context.Background(), env)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBroker_RebindNotConnected(t *testing.T) {
	b := NewBroker(BrokerConfig{})
	assert.ErrorIs(t, b.Rebind("d1"), ErrNotConnected)
}

func TestBroker_ConfigDefaults(t *testing.T) {
	b := NewBroker(BrokerConfig{})
	assert.Equal(t, "tunnel.peer.", b.cfg.SubjectPrefix)
	assert.Equal(t, KindBroker, b.Kind())
	assert.False(t, b.Connected())
}
