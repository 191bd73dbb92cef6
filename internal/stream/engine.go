// Package stream 把推理引擎的原始分块输出重组为离散的 JSON 事件，
// 并把细碎的内容增量攒批后再出站，压低信封数量。
// 缓冲按 (taskId, 目标节点) 隔离，互不串扰。
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/hongjun500/tunnel-go/internal/infer"
	"github.com/hongjun500/tunnel-go/internal/observe"
	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// doneSentinel SSE 流结束哨兵
const doneSentinel = "[DONE]"

// SendFunc 出站投递：引擎产出的每个分块信封经由它发走
type SendFunc func(ctx context.Context, to string, t protocol.MessageType, p *protocol.StreamChunkPayload) error

// BatchPolicy 增量攒批阈值，任一满足即冲刷
type BatchPolicy struct {
	MinFlushBytes int           // 攒够字节数
	MaxWait       time.Duration // 距上次冲刷的最长等待
	MaxDeltaCount int           // 攒够增量条数
}

func DefaultBatchPolicy() BatchPolicy {
	return BatchPolicy{MinFlushBytes: 24, MaxWait: 300 * time.Millisecond, MaxDeltaCount: 6}
}

type key struct {
	taskID string
	target string
}

// buffer 一条流的全部状态：行残留 + 增量攒批。
// totalSent 只在冲刷时推进，totalSent+batch 长度即已消化的全文水位。
type buffer struct {
	mu sync.Mutex

	key      key
	respType protocol.MessageType

	carry []byte // 不完整的尾行，等下一块补齐

	received   string // 累计全文（上游为增量形态时自行累加）
	totalSent  int    // 已出站的字符数
	batch      strings.Builder
	batchCount int
	lastFlush  time.Time
	finish     string // 上游报告的 finish_reason
}

// Engine 流重组引擎。实现 infer.SinkFactory。
type Engine struct {
	mu      sync.Mutex
	buffers map[key]*buffer

	send   SendFunc
	policy BatchPolicy
}

func NewEngine(send SendFunc, policy BatchPolicy) *Engine {
	def := DefaultBatchPolicy()
	if policy.MinFlushBytes <= 0 {
		policy.MinFlushBytes = def.MinFlushBytes
	}
	if policy.MaxWait <= 0 {
		policy.MaxWait = def.MaxWait
	}
	if policy.MaxDeltaCount <= 0 {
		policy.MaxDeltaCount = def.MaxDeltaCount
	}
	return &Engine{
		buffers: make(map[key]*buffer),
		send:    send,
		policy:  policy,
	}
}

// Sink 返回绑定到 (taskId, 目标) 的输出槽；同一键共享同一条缓冲
func (e *Engine) Sink(taskID, target string, respType protocol.MessageType) infer.Sink {
	return &sink{engine: e, key: key{taskID: taskID, target: target}, respType: respType}
}

// Active 当前存活的缓冲数
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffers)
}

// ActiveTask 报告某个任务是否还有在途缓冲
func (e *Engine) ActiveTask(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.buffers {
		if k.taskID == taskID {
			return true
		}
	}
	return false
}

// Abort 上游出错时终止一条流：冲残余、发错误完结事件、销毁缓冲
func (e *Engine) Abort(ctx context.Context, taskID, target string, reason string) {
	k := key{taskID: taskID, target: target}
	b := e.lookup(k)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e.flushLocked(ctx, b)
	e.emit(ctx, b, &protocol.StreamChunkPayload{TaskID: taskID, Done: true, Error: reason})
	e.destroy(k)
}

// CloseAll 整体收尾：冲掉每条流的残余增量后销毁全部缓冲。
// 不补发完结事件，结束语义由各上游自行声明。
func (e *Engine) CloseAll(ctx context.Context) {
	e.mu.Lock()
	bufs := make([]*buffer, 0, len(e.buffers))
	for _, b := range e.buffers {
		bufs = append(bufs, b)
	}
	e.mu.Unlock()

	for _, b := range bufs {
		b.mu.Lock()
		e.flushLocked(ctx, b)
		e.destroy(b.key)
		b.mu.Unlock()
	}
}

func (e *Engine) lookup(k key) *buffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffers[k]
}

func (e *Engine) obtain(k key, respType protocol.MessageType) *buffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.buffers[k]; ok {
		return b
	}
	b := &buffer{key: k, respType: respType, lastFlush: time.Now()}
	e.buffers[k] = b
	observe.AddStreamBuffers(1)
	return b
}

func (e *Engine) destroy(k key) {
	e.mu.Lock()
	if _, ok := e.buffers[k]; ok {
		delete(e.buffers, k)
		e.mu.Unlock()
		observe.AddStreamBuffers(-1)
		return
	}
	e.mu.Unlock()
}

// write 把一块原始数据并入行缓冲，处理所有完整行；最后一段可能是
// 半行，留到下一块。返回流是否在本块内完结。
func (e *Engine) write(ctx context.Context, k key, respType protocol.MessageType, chunk []byte) (bool, error) {
	b := e.obtain(k, respType)
	b.mu.Lock()
	defer b.mu.Unlock()

	data := append(b.carry, chunk...)
	lines := bytes.Split(data, []byte("\n"))
	b.carry = append([]byte(nil), lines[len(lines)-1]...)
	for _, line := range lines[:len(lines)-1] {
		e.processLine(ctx, b, line)
		// 哨兵行销毁缓冲后，同块里的后续行一并丢弃
		if e.lookup(k) == nil {
			return true, nil
		}
	}
	return false, nil
}

// end 上游声明流结束：残留半行按完整行处理，然后正常完结
func (e *Engine) end(ctx context.Context, k key, respType protocol.MessageType) error {
	b := e.obtain(k, respType)
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.carry) > 0 {
		line := b.carry
		b.carry = nil
		e.processLine(ctx, b, line)
		if e.lookup(k) == nil {
			return nil
		}
	}
	e.finishLocked(ctx, b)
	return nil
}

// json 单次完整响应：整体转成一条带全量响应体的完结事件
func (e *Engine) json(ctx context.Context, k key, respType protocol.MessageType, full json.RawMessage) error {
	b := e.obtain(k, respType)
	b.mu.Lock()
	defer b.mu.Unlock()

	e.emit(ctx, b, &protocol.StreamChunkPayload{
		TaskID:   k.taskID,
		Done:     true,
		Response: full,
	})
	e.destroy(k)
	return nil
}

// processLine 处理一条完整的 SSE 行
func (e *Engine) processLine(ctx context.Context, b *buffer, raw []byte) {
	line := strings.TrimRight(string(raw), "\r")
	if line == "" || strings.HasPrefix(line, ":") {
		return
	}
	if !strings.HasPrefix(line, "data:") {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == doneSentinel {
		e.finishLocked(ctx, b)
		return
	}

	var ev struct {
		Content  string `json:"content"`
		Response string `json:"response"`
		Done     bool   `json:"done"`
		Choices  []struct {
			Text  string `json:"text"`
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		// 单行解析失败只跳过该行，流继续
		observe.IncStreamParseError()
		perr := &ParseError{TaskID: b.key.taskID, Line: payload, Err: err}
		logger.L().Sugar().Warnw("stream_line_skipped", "task", b.key.taskID, "err", perr)
		return
	}

	// 归一成累计全文：增量形态自行累加，全量形态直接覆盖。
	// choices 兼容 chat 增量 delta.content、补全增量 text、单发全量 message.content。
	full := b.received
	switch {
	case len(ev.Choices) > 0:
		c := ev.Choices[0]
		if c.Message.Content != "" {
			b.received = c.Message.Content
		} else if inc := c.Delta.Content; inc != "" {
			b.received += inc
		} else {
			b.received += c.Text
		}
		full = b.received
		if fr := c.FinishReason; fr != nil && *fr != "" {
			b.finish = *fr
		}
	case ev.Content != "":
		full = ev.Content
		b.received = full
	case ev.Response != "":
		full = ev.Response
		b.received = full
	}

	// 新内容 = 全文里超出已消化水位的部分
	accounted := b.totalSent + b.batch.Len()
	if len(full) > accounted {
		b.batch.WriteString(full[accounted:])
		b.batchCount++
		if b.batch.Len() >= e.policy.MinFlushBytes ||
			time.Since(b.lastFlush) >= e.policy.MaxWait ||
			b.batchCount >= e.policy.MaxDeltaCount {
			e.flushLocked(ctx, b)
		}
	}

	if ev.Done {
		e.finishLocked(ctx, b)
	}
}

// finishLocked 正常完结：先冲残余再发完结事件，保证尾部内容不丢
func (e *Engine) finishLocked(ctx context.Context, b *buffer) {
	e.flushLocked(ctx, b)
	e.emit(ctx, b, &protocol.StreamChunkPayload{
		TaskID:       b.key.taskID,
		Done:         true,
		FinishReason: b.finish,
	})
	e.destroy(b.key)
}

// flushLocked 把攒起来的增量作为一条分块发出，推进 totalSent
func (e *Engine) flushLocked(ctx context.Context, b *buffer) {
	if b.batch.Len() == 0 {
		return
	}
	content := b.batch.String()
	b.batch.Reset()
	b.batchCount = 0
	b.totalSent += len(content)
	b.lastFlush = time.Now()

	observe.IncStreamFlush()
	e.emit(ctx, b, &protocol.StreamChunkPayload{
		TaskID:  b.key.taskID,
		Content: content,
	})
}

func (e *Engine) emit(ctx context.Context, b *buffer, p *protocol.StreamChunkPayload) {
	if e.send == nil {
		return
	}
	if err := e.send(ctx, b.key.target, b.respType, p); err != nil {
		logger.L().Sugar().Warnw("stream_emit_failed",
			"task", b.key.taskID, "target", b.key.target, "err", err)
	}
}

// sink 把 infer.Sink 的调用转到引擎上的同一条缓冲。
// 完结后晚到的调用一律吞掉，避免重复发出完结事件。
type sink struct {
	engine   *Engine
	key      key
	respType protocol.MessageType

	mu       sync.Mutex
	finished bool
}

func (s *sink) Write(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil
	}
	fin, err := s.engine.write(ctx, s.key, s.respType, chunk)
	if fin {
		s.finished = true
	}
	return err
}

func (s *sink) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil
	}
	s.finished = true
	return s.engine.end(ctx, s.key, s.respType)
}

func (s *sink) JSON(ctx context.Context, full json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil
	}
	s.finished = true
	return s.engine.json(ctx, s.key, s.respType, full)
}
