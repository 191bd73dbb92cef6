package handler

import (
	"context"

	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/tunnel"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// Chat 会话推理：请求侧交给执行器、输出经流引擎回写，
// 响应流由请求方挂的监听器消费。
func Chat() []tunnel.Registration {
	return []tunnel.Registration{
		typed(protocol.MsgChatRequestStream, tunnel.Income, handleChatRequest),
		typed(protocol.MsgChatRequestNoStream, tunnel.Income, handleChatRequest),
		listenerFed(protocol.MsgChatResponseStream),
	}
}

func handleChatRequest(ctx context.Context, rt *tunnel.Runtime, env *protocol.Envelope) error {
	var req protocol.ChatRequestPayload
	if err := protocol.DecodeInto(env, &req); err != nil {
		return err
	}
	// 流式与否以信封类型为准，负载里的标记可能是旧生产者留下的
	req.Stream = env.Type == protocol.MsgChatRequestStream

	if rt.Executor == nil || rt.Streams == nil {
		return rt.Reply(ctx, env, protocol.MsgChatResponseStream, &protocol.StreamChunkPayload{
			TaskID: req.TaskID, Done: true, Error: "no inference executor on this peer",
		})
	}

	sink := rt.Streams.Sink(req.TaskID, env.From, protocol.MsgChatResponseStream)
	if err := rt.Executor.Chat(ctx, &req, sink); err != nil {
		logger.L().Sugar().Errorw("chat_execute_failed", "task", req.TaskID, "peer", env.From, "err", err)
		rt.Streams.Abort(ctx, req.TaskID, env.From, err.Error())
	}
	return nil
}
