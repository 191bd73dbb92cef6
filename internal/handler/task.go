package handler

import (
	"context"

	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/tunnel"
)

// Task 通用任务通道：请求交给可插拔的任务执行器，
// 终态应答与流式分片由请求方挂的监听器消费。
func Task() []tunnel.Registration {
	return []tunnel.Registration{
		typed(protocol.MsgTaskRequest, tunnel.Income, handleTaskRequest),
		listenerFed(protocol.MsgTaskResponse),
		listenerFed(protocol.MsgTaskStream),
	}
}

func handleTaskRequest(ctx context.Context, rt *tunnel.Runtime, env *protocol.Envelope) error {
	var req protocol.TaskRequestPayload
	if err := protocol.DecodeInto(env, &req); err != nil {
		return err
	}
	if rt.Tasks == nil {
		return rt.Reply(ctx, env, protocol.MsgTaskResponse, &protocol.TaskResponsePayload{
			TaskID: req.TaskID, Success: false, Error: "no task runner on this peer",
		})
	}

	emit := func(chunk *protocol.TaskStreamPayload) error {
		if chunk.TaskID == "" {
			chunk.TaskID = req.TaskID
		}
		return rt.Reply(ctx, env, protocol.MsgTaskStream, chunk)
	}
	resp, err := rt.Tasks.Run(ctx, &req, emit)
	if err != nil {
		return rt.Reply(ctx, env, protocol.MsgTaskResponse, &protocol.TaskResponsePayload{
			TaskID: req.TaskID, Success: false, Error: err.Error(),
		})
	}
	if resp == nil {
		resp = &protocol.TaskResponsePayload{TaskID: req.TaskID, Success: true}
	}
	if resp.TaskID == "" {
		resp.TaskID = req.TaskID
	}
	return rt.Reply(ctx, env, protocol.MsgTaskResponse, resp)
}
