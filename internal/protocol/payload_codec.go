package protocol

import (
	"encoding/json"
	"fmt"
)

// payloadFactories 把消息类型映射到负载构造函数
// 词表是封闭的：每个类型恰好一个 schema；表中没有的类型按"无 schema"放行，
// 由注册表层面用 UnknownMessageType 拒绝。
var payloadFactories = map[MessageType]func() Payload{
	MsgPing: func() Payload { return &PingPayload{} },
	MsgPong: func() Payload { return &PongPayload{} },

	MsgDeviceRegisterRequest:   func() Payload { return &RegisterRequestPayload{} },
	MsgDeviceRegisterAck:       func() Payload { return &RegisterAckPayload{} },
	MsgDeviceHeartbeatReport:   func() Payload { return &HeartbeatReportPayload{} },
	MsgDeviceHeartbeatResponse: func() Payload { return &HeartbeatResponsePayload{} },
	MsgDeviceModelReport:       func() Payload { return &ModelReportPayload{} },
	MsgDeviceModelResponse:     func() Payload { return &ModelResponsePayload{} },

	MsgChatRequestStream:   func() Payload { return &ChatRequestPayload{} },
	MsgChatRequestNoStream: func() Payload { return &ChatRequestPayload{} },
	MsgChatResponseStream:  func() Payload { return &StreamChunkPayload{} },

	MsgCompletionRequestStream:   func() Payload { return &CompletionRequestPayload{} },
	MsgCompletionRequestNoStream: func() Payload { return &CompletionRequestPayload{} },
	MsgCompletionResponseStream:  func() Payload { return &StreamChunkPayload{} },

	MsgContextPing: func() Payload { return &ContextPingPayload{} },
	MsgContextPong: func() Payload { return &ContextPongPayload{} },

	MsgTaskRequest:  func() Payload { return &TaskRequestPayload{} },
	MsgTaskResponse: func() Payload { return &TaskResponsePayload{} },
	MsgTaskStream:   func() Payload { return &TaskStreamPayload{} },

	MsgProxyRequest:  func() Payload { return &ProxyRequestPayload{} },
	MsgProxyResponse: func() Payload { return &ProxyResponsePayload{} },
}

// DecodePayload 按信封类型解码并校验负载
// 空负载按零值 schema 校验，ping 这类无必填字段的类型因此可以不带负载。
func DecodePayload(env *Envelope) (Payload, error) {
	factory, ok := payloadFactories[env.Type]
	if !ok {
		return nil, nil
	}
	p := factory()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s payload: %w", env.Type, err)
	}
	return p, nil
}

// DecodeInto 把负载解码进调用方给定的结构，不触发 schema 校验
// 处理器内部复查时使用。
func DecodeInto(env *Envelope, target any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("empty payload for message type: %s", env.Type)
	}
	return json.Unmarshal(env.Payload, target)
}

// EncodePayload 编码任意负载为 JSON RawMessage
func EncodePayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// HasSchema 词表内是否存在该类型的 schema
func HasSchema(t MessageType) bool {
	_, ok := payloadFactories[t]
	return ok
}
