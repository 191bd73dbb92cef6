package handler

import (
	"context"
	"time"

	"github.com/hongjun500/tunnel-go/internal/observe"
	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/tunnel"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// Ping 链路存活探测：收 ping 回 pong，收 pong 记往返延迟
func Ping() []tunnel.Registration {
	return []tunnel.Registration{
		typed(protocol.MsgPing, tunnel.Income, handlePing),
		typed(protocol.MsgPong, tunnel.Income, handlePong),
	}
}

func handlePing(ctx context.Context, rt *tunnel.Runtime, env *protocol.Envelope) error {
	// 裸 ping 合法，打点回退到信封时间戳
	var p protocol.PingPayload
	if len(env.Payload) > 0 {
		if err := protocol.DecodeInto(env, &p); err != nil {
			return err
		}
	}
	echo := p.Timestamp
	if echo == 0 {
		echo = env.Timestamp
	}
	return rt.Reply(ctx, env, protocol.MsgPong, &protocol.PongPayload{
		Timestamp:     time.Now().UnixMilli(),
		EchoTimestamp: echo,
	})
}

func handlePong(_ context.Context, _ *tunnel.Runtime, env *protocol.Envelope) error {
	var p protocol.PongPayload
	if len(env.Payload) == 0 {
		return nil
	}
	if err := protocol.DecodeInto(env, &p); err != nil {
		return err
	}
	if p.EchoTimestamp <= 0 {
		return nil
	}
	rtt := time.Since(time.UnixMilli(p.EchoTimestamp))
	if rtt < 0 {
		return nil
	}
	observe.ObserveHeartbeatRTT(rtt.Seconds())
	logger.L().Sugar().Debugw("pong_received", "peer", env.From, "rtt_ms", rtt.Milliseconds())
	return nil
}
