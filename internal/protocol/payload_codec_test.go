package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasSchema(t *testing.T) {
	assert.True(t, HasSchema(MsgPing))
	assert.True(t, HasSchema(MsgChatRequestStream))
	assert.False(t, HasSchema(MessageType("made_up_type")))
}

func TestDecodePayload_UnknownTypePassesThrough(t *testing.T) {
	env := &Envelope{Type: "made_up_type", From: "a", To: "b", Payload: json.RawMessage(`{"x":1}`)}
	p, err := DecodePayload(env)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDecodePayload_EmptyPayloadValidatesZeroValue(t *testing.T) {
	// ping 的空负载合法
	p, err := DecodePayload(&Envelope{Type: MsgPing, From: "a", To: "b"})
	require.NoError(t, err)
	assert.IsType(t, &PingPayload{}, p)

	// 心跳的空负载缺 deviceId
	_, err = DecodePayload(&Envelope{Type: MsgDeviceHeartbeatReport, From: "a", To: "b"})
	assert.Error(t, err)
}

func TestDecodeInto(t *testing.T) {
	env := &Envelope{
		Type:    MsgChatResponseStream,
		From:    "d1",
		To:      "gw",
		Payload: json.RawMessage(`{"taskId":"t1","content":"hello","done":false}`),
	}
	var chunk StreamChunkPayload
	require.NoError(t, DecodeInto(env, &chunk))
	assert.Equal(t, "t1", chunk.TaskID)
	assert.Equal(t, "hello", chunk.Content)
	assert.False(t, chunk.Done)
}

func TestEncodePayload(t *testing.T) {
	raw, err := EncodePayload(&HeartbeatReportPayload{DeviceID: "d1", Timestamp: 99})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "d1", m["deviceId"])
	assert.EqualValues(t, 99, m["timestamp"])
}

func TestNewEnvelope_StampsTimestamp(t *testing.T) {
	env, err := NewEnvelope(MsgDeviceHeartbeatReport, "d1", "gateway", &HeartbeatReportPayload{DeviceID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, MsgDeviceHeartbeatReport, env.Type)
	assert.Equal(t, "d1", env.From)
	assert.Equal(t, "gateway", env.To)
	assert.Greater(t, env.Timestamp, int64(0))
	assert.NotEmpty(t, env.Payload)
}

func TestNewEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope(MsgContextPing, "gw", "d1", nil)
	require.NoError(t, err)
	assert.Empty(t, env.Payload)

	data, err := EncodeEnvelope(env)
	require.NoError(t, err)
	// omitempty：空负载不上线
	assert.NotContains(t, string(data), `"payload"`)
}
