package handler

import (
	"context"

	"github.com/google/uuid"

	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/tunnel"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// Register 注册握手两端：网关侧受理注册请求并分配身份，
// 设备侧的回执由注册流程挂的监听器消费。
func Register() []tunnel.Registration {
	return []tunnel.Registration{
		typed(protocol.MsgDeviceRegisterRequest, tunnel.Income, handleRegisterRequest),
		listenerFed(protocol.MsgDeviceRegisterAck),
	}
}

func handleRegisterRequest(ctx context.Context, rt *tunnel.Runtime, env *protocol.Envelope) error {
	var req protocol.RegisterRequestPayload
	if err := protocol.DecodeInto(env, &req); err != nil {
		return rt.Reply(ctx, env, protocol.MsgDeviceRegisterAck, &protocol.RegisterAckPayload{
			Success: false, Message: "invalid register request: " + err.Error(),
		})
	}
	if rt.Peers == nil {
		// 本端不是网关，给个明确拒绝而不是让对端干等
		return rt.Reply(ctx, env, protocol.MsgDeviceRegisterAck, &protocol.RegisterAckPayload{
			Success: false, Message: "peer does not accept registrations",
		})
	}

	deviceID := req.Device
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	rt.Peers.Upsert(protocol.PeerDevice{DeviceID: deviceID, Status: protocol.PeerStatusOnline})
	logger.L().Sugar().Infow("device_register_accepted",
		"device_id", deviceID, "platform", req.Platform, "version", req.Version)

	return rt.Reply(ctx, env, protocol.MsgDeviceRegisterAck, &protocol.RegisterAckPayload{
		Success: true, DeviceID: deviceID,
	})
}
