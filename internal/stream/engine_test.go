package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongjun500/tunnel-go/internal/protocol"
)

type emission struct {
	to      string
	msgType protocol.MessageType
	chunk   *protocol.StreamChunkPayload
}

type recorder struct {
	mu  sync.Mutex
	got []emission
}

func (r *recorder) send(_ context.Context, to string, t protocol.MessageType, p *protocol.StreamChunkPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, emission{to: to, msgType: t, chunk: p})
	return nil
}

func (r *recorder) emissions() []emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]emission, len(r.got))
	copy(out, r.got)
	return out
}

// content 拼接所有内容分片，用于校验不丢不重
func (r *recorder) content() string {
	var sb strings.Builder
	for _, e := range r.emissions() {
		sb.WriteString(e.chunk.Content)
	}
	return sb.String()
}

func (r *recorder) last() emission {
	all := r.emissions()
	return all[len(all)-1]
}

// eagerPolicy 每个增量立即冲刷，方便断言
func eagerPolicy() BatchPolicy {
	return BatchPolicy{MinFlushBytes: 1, MaxWait: time.Hour, MaxDeltaCount: 1000}
}

func sseLine(v any) string {
	b, _ := json.Marshal(v)
	return "data: " + string(b) + "\n"
}

func cumulative(parts ...string) string {
	var sb strings.Builder
	acc := ""
	for _, p := range parts {
		acc += p
		sb.WriteString(sseLine(map[string]any{"content": acc}))
	}
	sb.WriteString("data: [DONE]\n")
	return sb.String()
}

func TestEngine_ReassemblesCumulativeStream(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s := e.Sink("t1", "gateway", protocol.MsgChatResponseStream)

	transcript := cumulative("你好", ", ", "world", "!")
	require.NoError(t, s.Write(context.Background(), []byte(transcript)))

	assert.Equal(t, "你好, world!", rec.content())
	last := rec.last()
	assert.True(t, last.chunk.Done)
	assert.Equal(t, "t1", last.chunk.TaskID)
	assert.Equal(t, "gateway", last.to)
	assert.Equal(t, protocol.MsgChatResponseStream, last.msgType)
	assert.Equal(t, 0, e.Active(), "buffer must be destroyed after the done sentinel")
}

// 任意字节边界切块喂入，重组结果必须与整块喂入完全一致
func TestEngine_ArbitraryChunkSplits(t *testing.T) {
	transcript := cumulative("He", "llo 世界", ", str", "eaming")
	want := "Hello 世界, streaming"

	for i := 0; i <= len(transcript); i += 3 {
		rec := &recorder{}
		e := NewEngine(rec.send, eagerPolicy())
		s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

		require.NoError(t, s.Write(context.Background(), []byte(transcript[:i])))
		require.NoError(t, s.Write(context.Background(), []byte(transcript[i:])))

		require.Equalf(t, want, rec.content(), "split at byte %d", i)
		require.True(t, rec.last().chunk.Done)
	}
}

func TestEngine_DoneBeforeAnyContent(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	require.NoError(t, s.Write(context.Background(), []byte("data: [DONE]\n")))

	all := rec.emissions()
	require.Len(t, all, 1)
	assert.True(t, all[0].chunk.Done)
	assert.Empty(t, all[0].chunk.Content)
	assert.Equal(t, 0, e.Active())
}

func TestEngine_SplitDataLineNotDoubleCounted(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	line := sseLine(map[string]any{"content": "hello"})
	require.NoError(t, s.Write(context.Background(), []byte(line[:7])))
	assert.Empty(t, rec.emissions(), "half a line must not emit anything")

	require.NoError(t, s.Write(context.Background(), []byte(line[7:])))
	require.NoError(t, s.Write(context.Background(), []byte("data: [DONE]\n")))

	assert.Equal(t, "hello", rec.content())
}

func TestEngine_MalformedLineSkipped(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	var sb strings.Builder
	sb.WriteString(sseLine(map[string]any{"content": "ab"}))
	sb.WriteString("data: {not json at all\n")
	sb.WriteString(sseLine(map[string]any{"content": "abcd"}))
	sb.WriteString("data: [DONE]\n")

	require.NoError(t, s.Write(context.Background(), []byte(sb.String())))

	assert.Equal(t, "abcd", rec.content(), "bad line skipped, stream keeps going")
	assert.True(t, rec.last().chunk.Done)
}

func TestEngine_NonDataLinesConsumed(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	raw := ": keepalive comment\n" +
		"event: message\n" +
		"\n" +
		sseLine(map[string]any{"content": "ok"}) +
		"data: [DONE]\n"
	require.NoError(t, s.Write(context.Background(), []byte(raw)))

	assert.Equal(t, "ok", rec.content())
}

func TestEngine_OpenAIDeltaShape(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	delta := func(c string) string {
		return sseLine(map[string]any{"choices": []map[string]any{{"delta": map[string]any{"content": c}}}})
	}
	final := sseLine(map[string]any{"choices": []map[string]any{
		{"delta": map[string]any{}, "finish_reason": "stop"},
	}})

	raw := delta("Hel") + delta("lo") + delta("!") + final + "data: [DONE]\n"
	require.NoError(t, s.Write(context.Background(), []byte(raw)))

	assert.Equal(t, "Hello!", rec.content())
	last := rec.last()
	assert.True(t, last.chunk.Done)
	assert.Equal(t, "stop", last.chunk.FinishReason)
}

func TestEngine_CompletionTextShape(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s := e.Sink("t1", "gw", protocol.MsgCompletionResponseStream)

	piece := func(txt string) string {
		return sseLine(map[string]any{"choices": []map[string]any{{"text": txt}}})
	}
	raw := piece("for") + piece("ever") + "data: [DONE]\n"
	require.NoError(t, s.Write(context.Background(), []byte(raw)))

	assert.Equal(t, "forever", rec.content())
	assert.True(t, rec.last().chunk.Done)
}

func TestEngine_MessageContentShape(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	// 单发全量形态：message.content 携带到当前为止的完整文本
	whole := func(txt string) string {
		return sseLine(map[string]any{"choices": []map[string]any{{"message": map[string]any{"content": txt}}}})
	}
	raw := whole("full an") + whole("full answer") + "data: [DONE]\n"
	require.NoError(t, s.Write(context.Background(), []byte(raw)))

	assert.Equal(t, "full answer", rec.content())
	assert.True(t, rec.last().chunk.Done)
}

func TestEngine_ResponseShape(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s := e.Sink("t1", "gw", protocol.MsgCompletionResponseStream)

	raw := sseLine(map[string]any{"response": "par"}) +
		sseLine(map[string]any{"response": "partial", "done": true})
	require.NoError(t, s.Write(context.Background(), []byte(raw)))

	assert.Equal(t, "partial", rec.content())
	assert.True(t, rec.last().chunk.Done)
	assert.Equal(t, 0, e.Active())
}

func TestEngine_BatchByteThreshold(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, BatchPolicy{MinFlushBytes: 10, MaxWait: time.Hour, MaxDeltaCount: 1000})
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	require.NoError(t, s.Write(context.Background(), []byte(sseLine(map[string]any{"content": "12345"}))))
	assert.Empty(t, rec.emissions(), "below byte threshold, nothing flushed yet")

	require.NoError(t, s.Write(context.Background(), []byte(sseLine(map[string]any{"content": "1234567890A"}))))
	all := rec.emissions()
	require.Len(t, all, 1)
	assert.Equal(t, "1234567890A", all[0].chunk.Content)

	require.NoError(t, s.Write(context.Background(), []byte("data: [DONE]\n")))
	assert.True(t, rec.last().chunk.Done)
	assert.Equal(t, "1234567890A", rec.content())
}

func TestEngine_BatchDeltaCountThreshold(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, BatchPolicy{MinFlushBytes: 1 << 20, MaxWait: time.Hour, MaxDeltaCount: 3})
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	for i, part := range []string{"a", "ab", "abc"} {
		require.NoError(t, s.Write(context.Background(), []byte(sseLine(map[string]any{"content": part}))))
		if i < 2 {
			assert.Empty(t, rec.emissions())
		}
	}

	all := rec.emissions()
	require.Len(t, all, 1, "third delta hits the count threshold")
	assert.Equal(t, "abc", all[0].chunk.Content)
}

func TestEngine_BatchElapsedThreshold(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, BatchPolicy{MinFlushBytes: 1 << 20, MaxWait: 5 * time.Millisecond, MaxDeltaCount: 1000})
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	require.NoError(t, s.Write(context.Background(), []byte(sseLine(map[string]any{"content": "a"}))))
	assert.Empty(t, rec.emissions())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Write(context.Background(), []byte(sseLine(map[string]any{"content": "ab"}))))

	all := rec.emissions()
	require.Len(t, all, 1, "elapsed time alone forces a flush")
	assert.Equal(t, "ab", all[0].chunk.Content)
}

func TestEngine_DoneFlushesPendingBatch(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, BatchPolicy{MinFlushBytes: 1 << 20, MaxWait: time.Hour, MaxDeltaCount: 1000})
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	raw := sseLine(map[string]any{"content": "tail"}) + "data: [DONE]\n"
	require.NoError(t, s.Write(context.Background(), []byte(raw)))

	all := rec.emissions()
	require.Len(t, all, 2, "pending batch flushed before the completion event")
	assert.Equal(t, "tail", all[0].chunk.Content)
	assert.True(t, all[1].chunk.Done)
}

func TestEngine_KeysIsolated(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s1 := e.Sink("t1", "gw", protocol.MsgChatResponseStream)
	s2 := e.Sink("t2", "gw", protocol.MsgChatResponseStream)

	require.NoError(t, s1.Write(context.Background(), []byte(sseLine(map[string]any{"content": "one"}))))
	require.NoError(t, s2.Write(context.Background(), []byte(sseLine(map[string]any{"content": "two"}))))
	assert.Equal(t, 2, e.Active())

	require.NoError(t, s1.Write(context.Background(), []byte("data: [DONE]\n")))
	assert.Equal(t, 1, e.Active(), "finishing one task leaves the other alive")

	var got1, got2 string
	for _, em := range rec.emissions() {
		switch em.chunk.TaskID {
		case "t1":
			got1 += em.chunk.Content
		case "t2":
			got2 += em.chunk.Content
		}
	}
	assert.Equal(t, "one", got1)
	assert.Equal(t, "two", got2)
}

func TestEngine_ConcurrentStreams(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			task := fmt.Sprintf("t%d", n)
			s := e.Sink(task, "gw", protocol.MsgChatResponseStream)
			body := cumulative("a", "b", "c")
			for j := 0; j < len(body); j += 5 {
				end := j + 5
				if end > len(body) {
					end = len(body)
				}
				_ = s.Write(context.Background(), []byte(body[j:end]))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, e.Active())
	perTask := map[string]string{}
	done := map[string]int{}
	for _, em := range rec.emissions() {
		perTask[em.chunk.TaskID] += em.chunk.Content
		if em.chunk.Done {
			done[em.chunk.TaskID]++
		}
	}
	require.Len(t, perTask, 8)
	for task, content := range perTask {
		assert.Equalf(t, "abc", content, "task %s", task)
		assert.Equalf(t, 1, done[task], "task %s must complete exactly once", task)
	}
}

func TestEngine_EndProcessesResidualCarry(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	// 最后一行没有换行符，靠 End 收尾
	raw := sseLine(map[string]any{"content": "he"}) + strings.TrimSuffix(sseLine(map[string]any{"content": "hello"}), "\n")
	require.NoError(t, s.Write(context.Background(), []byte(raw)))
	require.NoError(t, s.End(context.Background()))

	assert.Equal(t, "hello", rec.content())
	assert.True(t, rec.last().chunk.Done)
	assert.Equal(t, 0, e.Active())
}

func TestEngine_EndWithoutWriteEmitsEmptyCompletion(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	require.NoError(t, s.End(context.Background()))

	all := rec.emissions()
	require.Len(t, all, 1)
	assert.True(t, all[0].chunk.Done)
	assert.Empty(t, all[0].chunk.Content)
}

func TestEngine_EndAfterSentinelDoesNotDuplicateCompletion(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	require.NoError(t, s.Write(context.Background(), []byte(cumulative("hi"))))
	require.NoError(t, s.End(context.Background()))

	var dones int
	for _, em := range rec.emissions() {
		if em.chunk.Done {
			dones++
		}
	}
	assert.Equal(t, 1, dones)
}

func TestEngine_WriteAfterSentinelIgnored(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	require.NoError(t, s.Write(context.Background(), []byte(cumulative("hi"))))
	before := len(rec.emissions())

	require.NoError(t, s.Write(context.Background(), []byte(sseLine(map[string]any{"content": "late"}))))
	assert.Len(t, rec.emissions(), before, "a finished sink swallows late chunks")
}

func TestEngine_JSONSingleShot(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	full := json.RawMessage(`{"choices":[{"message":{"content":"whole"}}]}`)
	require.NoError(t, s.JSON(context.Background(), full))

	all := rec.emissions()
	require.Len(t, all, 1)
	assert.True(t, all[0].chunk.Done)
	assert.JSONEq(t, string(full), string(all[0].chunk.Response))
	assert.Equal(t, 0, e.Active())
}

func TestEngine_Abort(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, BatchPolicy{MinFlushBytes: 1 << 20, MaxWait: time.Hour, MaxDeltaCount: 1000})
	s := e.Sink("t1", "gw", protocol.MsgChatResponseStream)

	require.NoError(t, s.Write(context.Background(), []byte(sseLine(map[string]any{"content": "partial"}))))
	e.Abort(context.Background(), "t1", "gw", "engine exploded")

	all := rec.emissions()
	require.Len(t, all, 2, "pending content flushed before the error event")
	assert.Equal(t, "partial", all[0].chunk.Content)
	assert.True(t, all[1].chunk.Done)
	assert.Equal(t, "engine exploded", all[1].chunk.Error)
	assert.Equal(t, 0, e.Active())
}

func TestEngine_AbortUnknownTaskNoop(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, eagerPolicy())

	e.Abort(context.Background(), "missing", "gw", "whatever")
	assert.Empty(t, rec.emissions())
}

func TestEngine_CloseAllFlushesPendingBuffers(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec.send, BatchPolicy{MinFlushBytes: 1 << 20, MaxWait: time.Hour, MaxDeltaCount: 1000})
	s1 := e.Sink("t1", "gw", protocol.MsgChatResponseStream)
	s2 := e.Sink("t2", "gw", protocol.MsgChatResponseStream)

	require.NoError(t, s1.Write(context.Background(), []byte(sseLine(map[string]any{"content": "pending"}))))
	require.NoError(t, s2.Write(context.Background(), []byte(sseLine(map[string]any{"content": "also"}))))
	require.Equal(t, 2, e.Active())

	e.CloseAll(context.Background())
	assert.Equal(t, 0, e.Active())

	got := map[string]string{}
	for _, em := range rec.emissions() {
		got[em.chunk.TaskID] += em.chunk.Content
		assert.False(t, em.chunk.Done, "teardown does not fabricate completion events")
	}
	assert.Equal(t, map[string]string{"t1": "pending", "t2": "also"}, got)
}
