package protocol

import "fmt"

// ValidationError 信封未通过 schema 校验
// 路由层对它的处理是丢弃并记录，绝不让一条坏消息拖垮连接。
type ValidationError struct {
	Type   MessageType
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid envelope (type=%s): %s: %v", e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid envelope (type=%s): %s", e.Type, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func newValidationError(t MessageType, reason string, err error) *ValidationError {
	return &ValidationError{Type: t, Reason: reason, Err: err}
}
