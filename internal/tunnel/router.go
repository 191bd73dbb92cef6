package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hongjun500/tunnel-go/internal/observe"
	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// Sender 是路由器对传输层的唯一要求
type Sender interface {
	Send(ctx context.Context, env *protocol.Envelope) error
}

// Router 是隧道的编排者：从传输层接收信封，对照会话身份判定
// 入站 / 出站方向，先过监听器再进处理表，并把出站信封交回传输层。
type Router struct {
	registry *Registry
	session  *Session
	rt       *Runtime

	senderMu sync.RWMutex
	snd      Sender

	listenersMu sync.Mutex
	listeners   []listenerEntry
	nextLID     uint64
}

func newRouter(reg *Registry, sess *Session, rt *Runtime) *Router {
	return &Router{registry: reg, session: sess, rt: rt}
}

// SetTransport 绑定（或替换）出站传输
func (r *Router) SetTransport(s Sender) {
	r.senderMu.Lock()
	r.snd = s
	r.senderMu.Unlock()
}

func (r *Router) transport() Sender {
	r.senderMu.RLock()
	defer r.senderMu.RUnlock()
	return r.snd
}

// Deliver 处理一条从传输层到达的信封。所有失败都在这里消化，
// 绝不向传输层回抛。
func (r *Router) Deliver(ctx context.Context, env *protocol.Envelope) {
	if env == nil {
		return
	}
	log := logger.L().Sugar()
	if env.SelfLoop() {
		observe.IncDropped("self_loop")
		log.Debugw("envelope_self_loop_dropped", "type", env.Type, "peer", env.From)
		return
	}
	me := r.session.DeviceID()
	switch {
	case me == "" || env.To == me:
		// 身份未确立时一律按入站处理：注册回执先于身份确立到达
		r.dispatch(ctx, env, Income)
	case env.From == me:
		r.dispatch(ctx, env, Outcome)
	default:
		// 设备 ID 切换瞬间可能出现双边都不匹配的信封
		observe.IncDropped("unroutable")
		log.Warnw("envelope_unroutable", "type", env.Type, "from", env.From, "to", env.To, "local", me)
	}
}

// Send 把信封经出站通道发往对端。补齐 From 与 Timestamp，先跑一遍
// 出站分发（监听器 + 出站处理器），随后才挂接新监听器，晚挂接
// 保证处理器自己发出的信封不会触发为它而设的监听器。
func (r *Router) Send(ctx context.Context, env *protocol.Envelope, listeners ...*Listener) error {
	if env == nil {
		return fmt.Errorf("send nil envelope")
	}
	if env.From == "" {
		env.From = r.session.DeviceID()
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	if env.SelfLoop() {
		observe.IncDropped("self_loop")
		logger.L().Sugar().Debugw("envelope_self_loop_dropped", "type", env.Type, "peer", env.From)
		return nil
	}

	observe.IncEnvelope(string(env.Type), Outcome.String())
	r.listenerPass(env)
	if h, err := r.registry.Resolve(env.Type, Outcome); err == nil {
		r.invoke(ctx, h, env, Outcome)
	}

	for _, l := range listeners {
		if l != nil {
			r.AddListener(l)
		}
	}

	s := r.transport()
	if s == nil {
		return ErrNoTransport
	}
	return s.Send(ctx, env)
}

// AddListener 挂接监听器，返回取消函数
func (r *Router) AddListener(l *Listener) (cancel func()) {
	r.listenersMu.Lock()
	r.nextLID++
	id := r.nextLID
	r.listeners = append(r.listeners, listenerEntry{id: id, l: l})
	r.listenersMu.Unlock()
	observe.AddListeners(1)
	return func() { r.removeByID(id) }
}

// RemoveListener 按指针摘除监听器，返回是否命中
func (r *Router) RemoveListener(l *Listener) bool {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	for i, entry := range r.listeners {
		if entry.l == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			observe.AddListeners(-1)
			return true
		}
	}
	return false
}

// ListenerCount 返回当前挂接的监听器数量
func (r *Router) ListenerCount() int {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	return len(r.listeners)
}

func (r *Router) removeByID(id uint64) bool {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	for i, entry := range r.listeners {
		if entry.id == id {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			observe.AddListeners(-1)
			return true
		}
	}
	return false
}

func (r *Router) dispatch(ctx context.Context, env *protocol.Envelope, d Direction) {
	observe.IncEnvelope(string(env.Type), d.String())
	r.listenerPass(env)
	h, err := r.registry.Resolve(env.Type, d)
	if err != nil {
		observe.IncDropped("unknown_type")
		logger.L().Sugar().Warnw("envelope_no_handler",
			"type", env.Type, "direction", d.String(), "from", env.From, "to", env.To)
		return
	}
	r.invoke(ctx, h, env, d)
}

// listenerPass 跑一遍当前监听器：匹配即回调，Once 命中先摘除再回调
func (r *Router) listenerPass(env *protocol.Envelope) {
	r.listenersMu.Lock()
	snapshot := make([]listenerEntry, len(r.listeners))
	copy(snapshot, r.listeners)
	r.listenersMu.Unlock()

	for _, entry := range snapshot {
		l := entry.l
		if l == nil || l.Match == nil || !safeMatch(l, env) {
			continue
		}
		if l.Once && !r.removeByID(entry.id) {
			continue
		}
		r.safeListen(l, env)
	}
}

func safeMatch(l *Listener, env *protocol.Envelope) (matched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.L().Sugar().Errorw("listener_match_panic", "type", env.Type, "panic", rec)
			matched = false
		}
	}()
	return l.Match(env)
}

func (r *Router) safeListen(l *Listener, env *protocol.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.L().Sugar().Errorw("listener_panic", "type", env.Type, "panic", rec)
		}
	}()
	if l.Fn != nil {
		l.Fn(env)
	}
}

// invoke 调用处理器并吞掉 panic 与错误：坏消息绝不拖垮连接
func (r *Router) invoke(ctx context.Context, h HandlerFunc, env *protocol.Envelope, d Direction) {
	defer func() {
		if rec := recover(); rec != nil {
			observe.IncDropped("handler_error")
			logger.L().Sugar().Errorw("handler_panic",
				"type", env.Type, "direction", d.String(), "from", env.From, "to", env.To, "panic", rec)
		}
	}()
	if err := h(ctx, r.rt, env); err != nil {
		observe.IncDropped("handler_error")
		logger.L().Sugar().Errorw("handler_error",
			"type", env.Type, "direction", d.String(), "from", env.From, "to", env.To, "err", err)
	}
}
