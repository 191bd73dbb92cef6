package protocol

import (
	"bytes"
	"encoding/json"
)

// 历史生产者把请求字段包在嵌套的 data 里：{taskId, path, data:{model, messages...}}
// 新 schema 把这些字段放在顶层。reshapeLegacy 把嵌套形状拍平成规范形状，
// 顶层已有的键保持优先（taskId/path 以外层为准），以便两代生产者互通。
func reshapeLegacy(raw json.RawMessage) (json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, false
	}
	nested, ok := top["data"]
	if !ok || len(nested) == 0 || !bytes.HasPrefix(bytes.TrimSpace(nested), []byte("{")) {
		return nil, false
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(nested, &inner); err != nil {
		return nil, false
	}

	merged := make(map[string]json.RawMessage, len(top)+len(inner))
	for k, v := range inner {
		merged[k] = v
	}
	for k, v := range top {
		if k == "data" {
			continue
		}
		merged[k] = v
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, false
	}
	return out, true
}

// ValidatePayload 先按规范 schema 校验，失败后尝试拍平历史嵌套形状再校验一次
// 成功时把信封负载原地替换为规范形状，后续处理器只见到一种形状。
func ValidatePayload(env *Envelope) (Payload, error) {
	p, err := DecodePayload(env)
	if err == nil {
		return p, nil
	}

	reshaped, ok := reshapeLegacy(env.Payload)
	if !ok {
		return nil, newValidationError(env.Type, "payload schema", err)
	}

	candidate := *env
	candidate.Payload = reshaped
	p, err2 := DecodePayload(&candidate)
	if err2 != nil {
		return nil, newValidationError(env.Type, "payload schema (after legacy reshape)", err2)
	}
	env.Payload = reshaped
	return p, nil
}
