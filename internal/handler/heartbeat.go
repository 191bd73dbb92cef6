package handler

import (
	"context"
	"time"

	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/tunnel"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// Heartbeat 心跳两端：网关侧刷新设备露面时间并确认，
// 设备侧对确认只记日志，丢确认靠下一跳自愈。
func Heartbeat() []tunnel.Registration {
	return []tunnel.Registration{
		typed(protocol.MsgDeviceHeartbeatReport, tunnel.Income, handleHeartbeatReport),
		typed(protocol.MsgDeviceHeartbeatResponse, tunnel.Income, handleHeartbeatResponse),
	}
}

func handleHeartbeatReport(ctx context.Context, rt *tunnel.Runtime, env *protocol.Envelope) error {
	var report protocol.HeartbeatReportPayload
	if err := protocol.DecodeInto(env, &report); err != nil {
		return err
	}
	if rt.Peers != nil {
		rt.Peers.Touch(report.DeviceID)
	}
	return rt.Reply(ctx, env, protocol.MsgDeviceHeartbeatResponse, &protocol.HeartbeatResponsePayload{
		Success:   true,
		Timestamp: time.Now().UnixMilli(),
	})
}

func handleHeartbeatResponse(_ context.Context, _ *tunnel.Runtime, env *protocol.Envelope) error {
	var resp protocol.HeartbeatResponsePayload
	if len(env.Payload) == 0 {
		return nil
	}
	if err := protocol.DecodeInto(env, &resp); err != nil {
		return err
	}
	logger.L().Sugar().Debugw("heartbeat_acked", "peer", env.From, "success", resp.Success)
	return nil
}
