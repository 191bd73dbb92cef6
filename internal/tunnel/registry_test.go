package tunnel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongjun500/tunnel-go/internal/protocol"
)

func noopHandler(ctx context.Context, rt *Runtime, env *protocol.Envelope) error { return nil }

func TestRegistry_RegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Registration{Type: protocol.MsgPing, Direction: Income, Handle: noopHandler}))

	h, err := reg.Resolve(protocol.MsgPing, Income)
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = reg.Resolve(protocol.MsgPing, Outcome)
	var unknown *UnknownMessageTypeError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, protocol.MsgPing, unknown.Type)
	assert.Equal(t, Outcome, unknown.Direction)
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Registration{Type: protocol.MsgPing, Direction: Income, Handle: noopHandler}))

	err := reg.Register(Registration{Type: protocol.MsgPing, Direction: Income, Handle: noopHandler})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateHandler))

	// 同类型不同方向不冲突
	assert.NoError(t, reg.Register(Registration{Type: protocol.MsgPing, Direction: Outcome, Handle: noopHandler}))
}

func TestRegistry_InvalidRegistration(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(Registration{Type: "", Direction: Income, Handle: noopHandler}))
	assert.Error(t, reg.Register(Registration{Type: protocol.MsgPing, Direction: Income, Handle: nil}))
	assert.Error(t, reg.Register(Registration{Type: protocol.MsgPing, Direction: Direction(9), Handle: noopHandler}))
}

func TestBuildRegistry_FailFast(t *testing.T) {
	good := []Registration{
		{Type: protocol.MsgPing, Direction: Income, Handle: noopHandler},
		{Type: protocol.MsgPong, Direction: Income, Handle: noopHandler},
	}
	clash := []Registration{
		{Type: protocol.MsgPong, Direction: Income, Handle: noopHandler},
	}

	_, err := BuildRegistry(good, clash)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateHandler))

	reg, err := BuildRegistry(good)
	require.NoError(t, err)
	assert.Equal(t, []protocol.MessageType{protocol.MsgPing, protocol.MsgPong}, reg.Types(Income))
}
