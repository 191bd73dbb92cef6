package stream

import "fmt"

// ParseError 单行 SSE 数据解析失败。只记录并跳过该行，
// 不污染同一条流的其余部分。
type ParseError struct {
	TaskID string
	Line   string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("stream %s: parse line %q: %v", e.TaskID, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
