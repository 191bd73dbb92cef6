package protocol

import "encoding/json"

// ParseEnvelope 解析并校验一条原始消息
// 任何失败都返回 *ValidationError：调用方丢弃该信封并记录，不得中断收包循环。
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, newValidationError("", "malformed json", err)
	}
	if err := Revalidate(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Revalidate 对一条已解出结构的信封重跑全部校验，
// 供本地注入路径（中继回调）使用，语义与 ParseEnvelope 一致。
func Revalidate(env *Envelope) error {
	if env == nil {
		return newValidationError("", "nil envelope", nil)
	}
	if env.Type == "" {
		return newValidationError("", "missing field: type", nil)
	}
	if env.From == "" || env.To == "" {
		return newValidationError(env.Type, "missing route: from/to", nil)
	}
	_, err := ValidatePayload(env)
	return err
}

// EncodeEnvelope 编码信封为线上 JSON，不追加任何额外字段
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}
