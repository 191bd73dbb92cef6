package tunnel

import (
	"github.com/hongjun500/tunnel-go/internal/protocol"
)

// Listener 是临时的请求响应关联器：任何组件等待一条相关回执时
// 临时挂接，匹配即回调，Once 命中后自动摘除。
type Listener struct {
	Match func(env *protocol.Envelope) bool
	Fn    func(env *protocol.Envelope)
	Once  bool
}

// MatchTaskID 构造按负载 taskId 匹配指定类型的谓词
func MatchTaskID(t protocol.MessageType, taskID string) func(*protocol.Envelope) bool {
	return func(env *protocol.Envelope) bool {
		if env.Type != t {
			return false
		}
		var p struct {
			TaskID string `json:"taskId"`
		}
		if err := protocol.DecodeInto(env, &p); err != nil {
			return false
		}
		return p.TaskID == taskID
	}
}

// MatchType 构造按消息类型匹配的谓词
func MatchType(t protocol.MessageType) func(*protocol.Envelope) bool {
	return func(env *protocol.Envelope) bool { return env.Type == t }
}

type listenerEntry struct {
	id uint64
	l  *Listener
}
