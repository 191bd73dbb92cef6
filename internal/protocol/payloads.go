package protocol

import (
	"encoding/json"
	"fmt"
)

// Payload 每种消息类型的负载都实现自己的 schema 校验
type Payload interface {
	Validate() error
}

// PingPayload 心跳 ping 消息负载
type PingPayload struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

func (p *PingPayload) Validate() error { return nil }

// PongPayload 心跳 pong 消息负载，EchoTimestamp 回带对端 ping 的打点
type PongPayload struct {
	Timestamp     int64 `json:"timestamp,omitempty"`
	EchoTimestamp int64 `json:"echoTimestamp,omitempty"`
}

func (p *PongPayload) Validate() error { return nil }

// RegisterRequestPayload 设备注册请求
type RegisterRequestPayload struct {
	Code     string `json:"code"`   // 网关下发的注册码
	Device   string `json:"device"` // 期望的设备标识
	Platform string `json:"platform,omitempty"`
	Version  string `json:"version,omitempty"`
}

func (p *RegisterRequestPayload) Validate() error {
	if p.Code == "" {
		return fmt.Errorf("code is required")
	}
	if p.Device == "" {
		return fmt.Errorf("device is required")
	}
	return nil
}

// RegisterAckPayload 注册确认；Success=true 时 DeviceID 即本端 peer 身份
type RegisterAckPayload struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"deviceId,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (p *RegisterAckPayload) Validate() error {
	if p.Success && p.DeviceID == "" {
		return fmt.Errorf("deviceId is required on success")
	}
	return nil
}

// CPUInfo / MemoryInfo / GPUInfo / NetworkInfo 心跳携带的系统快照
type CPUInfo struct {
	Cores int     `json:"cores"`
	Usage float64 `json:"usage,omitempty"`
	Model string  `json:"model,omitempty"`
}

type MemoryInfo struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used,omitempty"`
	Free  uint64 `json:"free,omitempty"`
}

type GPUInfo struct {
	Name        string `json:"name"`
	MemoryTotal uint64 `json:"memoryTotal,omitempty"`
	MemoryUsed  uint64 `json:"memoryUsed,omitempty"`
}

type NetworkInfo struct {
	Hostname string `json:"hostname,omitempty"`
	IP       string `json:"ip,omitempty"`
}

// SystemInfo 由外部系统信息采集器原样填入
type SystemInfo struct {
	CPU     CPUInfo     `json:"cpu"`
	Memory  MemoryInfo  `json:"memory"`
	GPU     []GPUInfo   `json:"gpu,omitempty"`
	Network NetworkInfo `json:"network"`
}

// HeartbeatReportPayload 周期心跳上报
type HeartbeatReportPayload struct {
	DeviceID   string      `json:"deviceId"`
	SystemInfo *SystemInfo `json:"systemInfo,omitempty"`
	Timestamp  int64       `json:"timestamp,omitempty"`
}

func (p *HeartbeatReportPayload) Validate() error {
	if p.DeviceID == "" {
		return fmt.Errorf("deviceId is required")
	}
	return nil
}

// HeartbeatResponsePayload 网关对心跳的确认
type HeartbeatResponsePayload struct {
	Success   bool  `json:"success"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

func (p *HeartbeatResponsePayload) Validate() error { return nil }

// ModelInfo 推理后端暴露的单个模型
type ModelInfo struct {
	Name   string `json:"name"`
	Family string `json:"family,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// ModelReportPayload 设备上报本地可用模型
type ModelReportPayload struct {
	DeviceID string      `json:"deviceId"`
	Models   []ModelInfo `json:"models"`
}

func (p *ModelReportPayload) Validate() error {
	if p.DeviceID == "" {
		return fmt.Errorf("deviceId is required")
	}
	return nil
}

// 设备状态取值
const (
	PeerStatusOnline  = "online"
	PeerStatusOffline = "offline"
)

// PeerDevice 网关视角下的一台在线设备
type PeerDevice struct {
	DeviceID string      `json:"deviceId"`
	Status   string      `json:"status,omitempty"`
	Models   []ModelInfo `json:"models,omitempty"`
}

// ModelResponsePayload 网关回发的在线设备与模型清单
type ModelResponsePayload struct {
	Devices []PeerDevice `json:"devices"`
}

func (p *ModelResponsePayload) Validate() error {
	for i := range p.Devices {
		if p.Devices[i].DeviceID == "" {
			return fmt.Errorf("devices[%d].deviceId is required", i)
		}
	}
	return nil
}

// ChatMessage 会话中的一条消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequestPayload chat_request_stream / chat_request_no_stream 共用
type ChatRequestPayload struct {
	TaskID   string        `json:"taskId"`
	Path     string        `json:"path,omitempty"` // 推理后端的请求路径
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

func (p *ChatRequestPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	if len(p.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	return nil
}

// CompletionRequestPayload completion_request_* 共用
type CompletionRequestPayload struct {
	TaskID string `json:"taskId"`
	Path   string `json:"path,omitempty"`
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream,omitempty"`
}

func (p *CompletionRequestPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	if p.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

// StreamChunkPayload chat/completion 响应流的单个分片
// 流式路径只填 Content；单发路径把完整响应放进 Response 且 Done=true。
type StreamChunkPayload struct {
	TaskID       string          `json:"taskId"`
	Content      string          `json:"content,omitempty"`
	Done         bool            `json:"done,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func (p *StreamChunkPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	return nil
}

// ContextPingPayload 询问对端某个任务的上下文是否仍然活跃
type ContextPingPayload struct {
	TaskID string `json:"taskId"`
}

func (p *ContextPingPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	return nil
}

// ContextPongPayload context_ping 的应答
type ContextPongPayload struct {
	TaskID string `json:"taskId"`
	Active bool   `json:"active"`
}

func (p *ContextPongPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	return nil
}

// TaskRequestPayload 通用任务请求，Action 由对端的任务执行器解释
type TaskRequestPayload struct {
	TaskID string          `json:"taskId"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (p *TaskRequestPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	if p.Action == "" {
		return fmt.Errorf("action is required")
	}
	return nil
}

// TaskResponsePayload 通用任务的终态应答
type TaskResponsePayload struct {
	TaskID  string          `json:"taskId"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (p *TaskResponsePayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	return nil
}

// TaskStreamPayload 通用任务的流式分片
type TaskStreamPayload struct {
	TaskID string          `json:"taskId"`
	Data   json.RawMessage `json:"data,omitempty"`
	Done   bool            `json:"done,omitempty"`
}

func (p *TaskStreamPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	return nil
}

// ProxyRequestPayload 经隧道转发的外部 HTTP 请求
type ProxyRequestPayload struct {
	TaskID  string            `json:"taskId"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func (p *ProxyRequestPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	if p.Method == "" {
		return fmt.Errorf("method is required")
	}
	if p.URL == "" {
		return fmt.Errorf("url is required")
	}
	return nil
}

// ProxyResponsePayload 被代理请求的执行结果
type ProxyResponsePayload struct {
	TaskID     string            `json:"taskId"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func (p *ProxyResponsePayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	return nil
}
