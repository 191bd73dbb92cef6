package protocol

import (
	"encoding/json"
	"time"
)

// GatewayPeerID 中心网关在信封路由里的约定身份
const GatewayPeerID = "gateway"

// MessageType 表示隧道支持的业务消息类型
type MessageType string

const (
	MsgPing MessageType = "ping"
	MsgPong MessageType = "pong"

	MsgDeviceRegisterRequest   MessageType = "device_register_request"
	MsgDeviceRegisterAck       MessageType = "device_register_ack"
	MsgDeviceHeartbeatReport   MessageType = "device_heartbeat_report"
	MsgDeviceHeartbeatResponse MessageType = "device_heartbeat_response"
	MsgDeviceModelReport       MessageType = "device_model_report"
	MsgDeviceModelResponse     MessageType = "device_model_response"

	MsgChatRequestStream   MessageType = "chat_request_stream"
	MsgChatRequestNoStream MessageType = "chat_request_no_stream"
	MsgChatResponseStream  MessageType = "chat_response_stream"

	MsgCompletionRequestStream   MessageType = "completion_request_stream"
	MsgCompletionRequestNoStream MessageType = "completion_request_no_stream"
	MsgCompletionResponseStream  MessageType = "completion_response_stream"

	MsgContextPing MessageType = "context_ping"
	MsgContextPong MessageType = "context_pong"

	MsgTaskRequest  MessageType = "task_request"
	MsgTaskResponse MessageType = "task_response"
	MsgTaskStream   MessageType = "task_stream"

	MsgProxyRequest  MessageType = "proxy_request"
	MsgProxyResponse MessageType = "proxy_response"
)

// Envelope 节点与网关之间交换的统一信封
// 线上 JSON 形状固定为 {type, from, to, payload, timestamp?}，
// 字段名与历史生产者保持兼容，不允许扩展。
type Envelope struct {
	Type MessageType `json:"type"` // 消息类型，选择 (type, direction) 处理器对

	// ---- 路由 ----
	// From/To 为对端标识；合法信封中二者永不相等，自环信封直接丢弃。
	From string `json:"from"`
	To   string `json:"to"`

	// Payload 按消息类型各自的 schema 校验；历史生产者的嵌套
	// {taskId, path, data:{...}} 形状在校验失败后会被拍平重试。
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp 毫秒时间戳，生产方打点，ping/pong 用它计算往返延迟。
	Timestamp int64 `json:"timestamp,omitempty"`
}

// NewEnvelope 构造信封并编码负载；payload 传 nil 表示空负载。
func NewEnvelope(t MessageType, from, to string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:      t,
		From:      from,
		To:        to,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload == nil {
		return env, nil
	}
	raw, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	env.Payload = raw
	return env, nil
}

// SelfLoop 自环判定：from == to 的信封不参与任何分发
func (e *Envelope) SelfLoop() bool {
	return e.From != "" && e.From == e.To
}
