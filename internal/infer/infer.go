// Package infer 定义推理执行器与流式输出槽的协作接口。
// 具体执行器由宿主进程注入，隧道核心只依赖这里的抽象。
package infer

import (
	"context"
	"encoding/json"

	"github.com/hongjun500/tunnel-go/internal/protocol"
)

// Sink 接收推理输出。流式响应走 Write/End，单次完整响应走 JSON，
// 两种形态最终都归一成相同的出站信封。
type Sink interface {
	// Write 追加一段原始流式数据（SSE 字节块）
	Write(ctx context.Context, chunk []byte) error
	// End 声明流结束，冲刷残余内容
	End(ctx context.Context) error
	// JSON 提交一次性的完整响应体
	JSON(ctx context.Context, full json.RawMessage) error
}

// SinkFactory 按 (taskId, 目标节点) 生产输出槽，respType 决定
// 出站信封的消息类型（chat 或 completion 的流式响应）。
type SinkFactory interface {
	Sink(taskID, target string, respType protocol.MessageType) Sink
	// Abort 终止一条在途流：冲残余内容并向目标补发错误完结事件
	Abort(ctx context.Context, taskID, target string, reason string)
	// ActiveTask 报告某个任务是否仍有在途流，context_ping 用它应答
	ActiveTask(taskID string) bool
}

// Executor 是推理引擎协作方
type Executor interface {
	Chat(ctx context.Context, req *protocol.ChatRequestPayload, sink Sink) error
	Complete(ctx context.Context, req *protocol.CompletionRequestPayload, sink Sink) error
	Models(ctx context.Context) ([]protocol.ModelInfo, error)
}
