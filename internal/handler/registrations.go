// Package handler 按业务关注点声明隧道的处理器集合。
// 每个文件负责一类消息，导出自己的注册三元组，由装配方折叠进
// 分发表；同一进程既能扮演设备也能扮演网关，入站哪种信封就走
// 哪个 (类型, 方向) 表项。
package handler

import (
	"context"
	"fmt"

	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/tunnel"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// All 折叠全部处理器组，交给 tunnel.BuildRegistry
func All() [][]tunnel.Registration {
	return [][]tunnel.Registration{
		Ping(),
		Register(),
		Heartbeat(),
		ModelReport(),
		Chat(),
		Completion(),
		ContextPing(),
		Task(),
		Proxy(),
	}
}

// typed 包一层类型复核，处理器对选错表项的信封自行兜底拒绝
func typed(t protocol.MessageType, d tunnel.Direction, fn tunnel.HandlerFunc) tunnel.Registration {
	return tunnel.Registration{
		Type:      t,
		Direction: d,
		Handle: func(ctx context.Context, rt *tunnel.Runtime, env *protocol.Envelope) error {
			if env.Type != t {
				return fmt.Errorf("handler %s/%s received %s envelope", t, d, env.Type)
			}
			return fn(ctx, rt, env)
		},
	}
}

// listenerFed 占位入站处理器：这类消息由请求方挂的监听器消费，
// 处理器只记一笔，避免被当成未知类型告警。
func listenerFed(t protocol.MessageType) tunnel.Registration {
	return typed(t, tunnel.Income, func(_ context.Context, _ *tunnel.Runtime, env *protocol.Envelope) error {
		logger.L().Sugar().Debugw("envelope_listener_fed", "type", env.Type, "from", env.From)
		return nil
	})
}
