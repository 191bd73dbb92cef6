package handler

import (
	"context"

	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/tunnel"
)

// ContextPing 任务上下文存活探测：对端问某个任务还在不在跑
func ContextPing() []tunnel.Registration {
	return []tunnel.Registration{
		typed(protocol.MsgContextPing, tunnel.Income, handleContextPing),
		listenerFed(protocol.MsgContextPong),
	}
}

func handleContextPing(ctx context.Context, rt *tunnel.Runtime, env *protocol.Envelope) error {
	var ping protocol.ContextPingPayload
	if err := protocol.DecodeInto(env, &ping); err != nil {
		return err
	}
	active := rt.Streams != nil && rt.Streams.ActiveTask(ping.TaskID)
	return rt.Reply(ctx, env, protocol.MsgContextPong, &protocol.ContextPongPayload{
		TaskID: ping.TaskID,
		Active: active,
	})
}
