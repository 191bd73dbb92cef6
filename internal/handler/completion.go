package handler

import (
	"context"

	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/tunnel"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// Completion 补全推理，与 Chat 同构
func Completion() []tunnel.Registration {
	return []tunnel.Registration{
		typed(protocol.MsgCompletionRequestStream, tunnel.Income, handleCompletionRequest),
		typed(protocol.MsgCompletionRequestNoStream, tunnel.Income, handleCompletionRequest),
		listenerFed(protocol.MsgCompletionResponseStream),
	}
}

func handleCompletionRequest(ctx context.Context, rt *tunnel.Runtime, env *protocol.Envelope) error {
	var req protocol.CompletionRequestPayload
	if err := protocol.DecodeInto(env, &req); err != nil {
		return err
	}
	req.Stream = env.Type == protocol.MsgCompletionRequestStream

	if rt.Executor == nil || rt.Streams == nil {
		return rt.Reply(ctx, env, protocol.MsgCompletionResponseStream, &protocol.StreamChunkPayload{
			TaskID: req.TaskID, Done: true, Error: "no inference executor on this peer",
		})
	}

	sink := rt.Streams.Sink(req.TaskID, env.From, protocol.MsgCompletionResponseStream)
	if err := rt.Executor.Complete(ctx, &req, sink); err != nil {
		logger.L().Sugar().Errorw("completion_execute_failed", "task", req.TaskID, "peer", env.From, "err", err)
		rt.Streams.Abort(ctx, req.TaskID, env.From, err.Error())
	}
	return nil
}
