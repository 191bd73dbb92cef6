package transport

import (
	"errors"
	"fmt"
)

// 传输层错误定义
var (
	ErrNotConnected       = errors.New("transport not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ConnectionError 描述一次连接或重连失败。
// Terminal 为真表示不会再自动重试，只能手动重连。
type ConnectionError struct {
	Op       string // connect | reconnect | send
	URL      string
	Attempts int
	Terminal bool
	Err      error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("transport %s %s failed", e.Op, e.URL)
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }
