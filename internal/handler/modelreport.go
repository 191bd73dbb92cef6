package handler

import (
	"context"

	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/tunnel"
)

// ModelReport 模型清单同步：网关侧收设备上报并回发全量在线清单，
// 设备侧用回发的清单刷新自己的对端目录。
func ModelReport() []tunnel.Registration {
	return []tunnel.Registration{
		typed(protocol.MsgDeviceModelReport, tunnel.Income, handleModelReport),
		typed(protocol.MsgDeviceModelResponse, tunnel.Income, handleModelResponse),
	}
}

func handleModelReport(ctx context.Context, rt *tunnel.Runtime, env *protocol.Envelope) error {
	var report protocol.ModelReportPayload
	if err := protocol.DecodeInto(env, &report); err != nil {
		return err
	}
	if rt.Peers == nil {
		return nil
	}
	rt.Peers.Upsert(protocol.PeerDevice{
		DeviceID: report.DeviceID,
		Status:   protocol.PeerStatusOnline,
		Models:   report.Models,
	})
	return rt.Reply(ctx, env, protocol.MsgDeviceModelResponse, &protocol.ModelResponsePayload{
		Devices: rt.Peers.List(),
	})
}

func handleModelResponse(_ context.Context, rt *tunnel.Runtime, env *protocol.Envelope) error {
	var resp protocol.ModelResponsePayload
	if len(env.Payload) == 0 {
		return nil
	}
	if err := protocol.DecodeInto(env, &resp); err != nil {
		return err
	}
	if rt.Peers == nil {
		return nil
	}
	for _, d := range resp.Devices {
		rt.Peers.Upsert(d)
	}
	return nil
}
