package device

import "fmt"

// RegistrationError 注册握手失败：发送失败、网关拒绝或等待回执超时
type RegistrationError struct {
	Stage string // send / rejected / timeout
	Msg   string
	Err   error
}

func (e *RegistrationError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("device registration %s: %s", e.Stage, e.Msg)
	}
	return fmt.Sprintf("device registration %s: %v", e.Stage, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }
