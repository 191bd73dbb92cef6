package tunnel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongjun500/tunnel-go/internal/protocol"
)

type captureSender struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
	err  error
}

func (c *captureSender) Send(_ context.Context, env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *captureSender) last() *protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func newTestRuntime(t *testing.T, regs ...[]Registration) (*Runtime, *captureSender) {
	t.Helper()
	reg, err := BuildRegistry(regs...)
	require.NoError(t, err)
	rt := NewRuntime(NewSession(), reg)
	snd := &captureSender{}
	rt.Router.SetTransport(snd)
	return rt, snd
}

func env(t protocol.MessageType, from, to string, payload string) *protocol.Envelope {
	e := &protocol.Envelope{Type: t, From: from, To: to}
	if payload != "" {
		e.Payload = json.RawMessage(payload)
	}
	return e
}

func TestRouter_Deliver_DirectionResolution(t *testing.T) {
	var calls []string
	regs := []Registration{
		{Type: protocol.MsgPing, Direction: Income, Handle: func(ctx context.Context, rt *Runtime, e *protocol.Envelope) error {
			calls = append(calls, "income")
			return nil
		}},
		{Type: protocol.MsgPing, Direction: Outcome, Handle: func(ctx context.Context, rt *Runtime, e *protocol.Envelope) error {
			calls = append(calls, "outcome")
			return nil
		}},
	}
	rt, _ := newTestRuntime(t, regs)
	rt.Session.SetDeviceID("d1")

	rt.Router.Deliver(context.Background(), env(protocol.MsgPing, "gateway", "d1", ""))
	assert.Equal(t, []string{"income"}, calls)

	rt.Router.Deliver(context.Background(), env(protocol.MsgPing, "d1", "gateway", ""))
	assert.Equal(t, []string{"income", "outcome"}, calls)

	// 与本机无关的信封丢弃
	rt.Router.Deliver(context.Background(), env(protocol.MsgPing, "x", "y", ""))
	assert.Equal(t, []string{"income", "outcome"}, calls)
}

func TestRouter_Deliver_SelfLoopDropped(t *testing.T) {
	called := false
	regs := []Registration{
		{Type: protocol.MsgPing, Direction: Income, Handle: func(ctx context.Context, rt *Runtime, e *protocol.Envelope) error {
			called = true
			return nil
		}},
	}
	rt, _ := newTestRuntime(t, regs)
	rt.Session.SetDeviceID("d1")

	rt.Router.Deliver(context.Background(), env(protocol.MsgPing, "d1", "d1", ""))
	assert.False(t, called)
}

func TestRouter_Deliver_UnsetIdentityGoesIncome(t *testing.T) {
	var got *protocol.Envelope
	regs := []Registration{
		{Type: protocol.MsgDeviceRegisterAck, Direction: Income, Handle: func(ctx context.Context, rt *Runtime, e *protocol.Envelope) error {
			got = e
			return nil
		}},
	}
	rt, _ := newTestRuntime(t, regs)

	// 注册回执到达时身份尚未确立
	rt.Router.Deliver(context.Background(), env(protocol.MsgDeviceRegisterAck, "gateway", "node-a", `{"success":true,"deviceId":"node-a"}`))
	require.NotNil(t, got)
	assert.Equal(t, "node-a", got.To)
}

func TestRouter_ListenerRunsBeforeHandler(t *testing.T) {
	var order []string
	regs := []Registration{
		{Type: protocol.MsgPong, Direction: Income, Handle: func(ctx context.Context, rt *Runtime, e *protocol.Envelope) error {
			order = append(order, "handler")
			return nil
		}},
	}
	rt, _ := newTestRuntime(t, regs)
	rt.Session.SetDeviceID("d1")

	rt.Router.AddListener(&Listener{
		Match: MatchType(protocol.MsgPong),
		Fn:    func(e *protocol.Envelope) { order = append(order, "listener") },
	})

	rt.Router.Deliver(context.Background(), env(protocol.MsgPong, "gateway", "d1", ""))
	assert.Equal(t, []string{"listener", "handler"}, order)
}

func TestRouter_OnceListenerFiresOnce(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rt.Session.SetDeviceID("d1")

	fired := 0
	rt.Router.AddListener(&Listener{
		Match: MatchType(protocol.MsgPong),
		Fn:    func(e *protocol.Envelope) { fired++ },
		Once:  true,
	})
	require.Equal(t, 1, rt.Router.ListenerCount())

	rt.Router.Deliver(context.Background(), env(protocol.MsgPong, "gateway", "d1", ""))
	rt.Router.Deliver(context.Background(), env(protocol.MsgPong, "gateway", "d1", ""))

	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, rt.Router.ListenerCount())
}

func TestRouter_Send_ListenerAppendedAfterDispatch(t *testing.T) {
	rt, snd := newTestRuntime(t)
	rt.Session.SetDeviceID("d1")

	fired := 0
	l := &Listener{
		// 故意匹配正在发送的信封本身
		Match: MatchType(protocol.MsgChatRequestStream),
		Fn:    func(e *protocol.Envelope) { fired++ },
		Once:  true,
	}

	out := env(protocol.MsgChatRequestStream, "", "d2", `{"taskId":"t1","messages":[{"role":"user","content":"hi"}]}`)
	require.NoError(t, rt.Router.Send(context.Background(), out, l))

	// 发送时不得被自己触发
	assert.Equal(t, 0, fired)
	require.NotNil(t, snd.last())

	// 相关响应到达才触发
	rt.Router.Deliver(context.Background(), env(protocol.MsgChatRequestStream, "gateway", "d1", ""))
	assert.Equal(t, 1, fired)
}

func TestRouter_Send_StampsFromAndTimestamp(t *testing.T) {
	rt, snd := newTestRuntime(t)
	rt.Session.SetDeviceID("d1")

	require.NoError(t, rt.Router.Send(context.Background(), env(protocol.MsgPing, "", "gateway", "")))

	sent := snd.last()
	require.NotNil(t, sent)
	assert.Equal(t, "d1", sent.From)
	assert.Greater(t, sent.Timestamp, int64(0))
}

func TestRouter_Send_NoTransport(t *testing.T) {
	reg, err := BuildRegistry()
	require.NoError(t, err)
	rt := NewRuntime(NewSession(), reg)

	err = rt.Router.Send(context.Background(), env(protocol.MsgPing, "d1", "gateway", ""))
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestRouter_Send_SelfLoopDropped(t *testing.T) {
	rt, snd := newTestRuntime(t)
	rt.Session.SetDeviceID("d1")

	require.NoError(t, rt.Router.Send(context.Background(), env(protocol.MsgPing, "d1", "d1", "")))
	assert.Nil(t, snd.last())
}

func TestRouter_HandlerPanicContained(t *testing.T) {
	regs := []Registration{
		{Type: protocol.MsgPing, Direction: Income, Handle: func(ctx context.Context, rt *Runtime, e *protocol.Envelope) error {
			panic("boom")
		}},
	}
	rt, _ := newTestRuntime(t, regs)
	rt.Session.SetDeviceID("d1")

	assert.NotPanics(t, func() {
		rt.Router.Deliver(context.Background(), env(protocol.MsgPing, "gateway", "d1", ""))
	})
}

func TestRuntime_Reply(t *testing.T) {
	rt, snd := newTestRuntime(t)

	in := env(protocol.MsgPing, "gateway", "node-a", "")
	require.NoError(t, rt.Reply(context.Background(), in, protocol.MsgPong, &protocol.PongPayload{EchoTimestamp: 7}))

	sent := snd.last()
	require.NotNil(t, sent)
	assert.Equal(t, protocol.MsgPong, sent.Type)
	// 未注册时沿用来信的收件地址作为发件身份
	assert.Equal(t, "node-a", sent.From)
	assert.Equal(t, "gateway", sent.To)
}

func TestMatchTaskID(t *testing.T) {
	match := MatchTaskID(protocol.MsgProxyResponse, "t-42")

	assert.True(t, match(env(protocol.MsgProxyResponse, "d1", "gateway", `{"taskId":"t-42","statusCode":200}`)))
	assert.False(t, match(env(protocol.MsgProxyResponse, "d1", "gateway", `{"taskId":"other"}`)))
	assert.False(t, match(env(protocol.MsgTaskResponse, "d1", "gateway", `{"taskId":"t-42"}`)))
	assert.False(t, match(env(protocol.MsgProxyResponse, "d1", "gateway", "")))
}

func TestSession_WatchAndReset(t *testing.T) {
	s := NewSession()
	var seen []string
	cancel := s.Watch(func(id string) { seen = append(seen, id) })

	s.SetDeviceID("d1")
	s.SetDeviceID("d1") // 幂等，不重复通知
	s.Reset()
	cancel()
	s.SetDeviceID("d2")

	assert.Equal(t, []string{"d1", ""}, seen)
	assert.Equal(t, "d2", s.DeviceID())
	assert.True(t, s.Registered())
}
