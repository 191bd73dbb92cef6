package tunnel

import (
	"errors"
	"fmt"

	"github.com/hongjun500/tunnel-go/internal/protocol"
)

var (
	// ErrDuplicateHandler 表示同一 (类型, 方向) 被重复注册
	ErrDuplicateHandler = errors.New("handler already registered")

	// ErrNoTransport 表示路由器尚未绑定任何传输
	ErrNoTransport = errors.New("no transport bound")
)

// UnknownMessageTypeError 表示没有处理器匹配该 (类型, 方向)
type UnknownMessageTypeError struct {
	Type      protocol.MessageType
	Direction Direction
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("no %s handler for message type %q", e.Direction, e.Type)
}
