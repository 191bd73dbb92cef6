// Package transport 提供节点与网关之间的传输抽象：
// duplex（长连接 WebSocket）、relay（本机中继进程）、broker（消息总线）。
// 上层只依赖 Transport 接口，按 Kind 分支能力，不做具体类型断言。
package transport

import (
	"context"
	"sync"

	"github.com/hongjun500/tunnel-go/internal/protocol"
)

// Kind 标识具体传输形态
type Kind string

const (
	KindDuplex Kind = "duplex"
	KindRelay  Kind = "relay"
	KindBroker Kind = "broker"
)

// State 连接状态机：disconnected → connecting → connected
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ConnectOptions 一次连接所需的对端信息
type ConnectOptions struct {
	URL      string // 网关地址
	AuthCode string // 激活码，随握手携带
	BasePath string // 网关挂载路径，可空
}

// ConnectionStatus 对外暴露的连接快照
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	DeviceID  string `json:"deviceId,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Transport 是所有传输实现的统一契约。
// 回调均为单槽注册，后注册者覆盖前者：每个进程只有一条活动隧道。
type Transport interface {
	// Connect 建立通道，底层报告已连接后才返回
	Connect(ctx context.Context, opts ConnectOptions) error
	// Disconnect 主动断开，幂等
	Disconnect() error
	// Send 发送信封；未连接时返回包装 ErrNotConnected 的错误
	Send(ctx context.Context, env *protocol.Envelope) error

	OnMessage(fn func(env *protocol.Envelope))
	OnConnectionChange(fn func(state State))
	OnError(fn func(err error))

	Connected() bool
	Status() ConnectionStatus
	Kind() Kind
}

// callbacks 单槽回调集合，各传输实现共用
type callbacks struct {
	mu        sync.RWMutex
	onMessage func(*protocol.Envelope)
	onState   func(State)
	onError   func(error)
}

func (c *callbacks) setMessage(fn func(*protocol.Envelope)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *callbacks) setState(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *callbacks) setError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *callbacks) emitMessage(env *protocol.Envelope) {
	c.mu.RLock()
	fn := c.onMessage
	c.mu.RUnlock()
	if fn != nil {
		fn(env)
	}
}

func (c *callbacks) emitState(s State) {
	c.mu.RLock()
	fn := c.onState
	c.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (c *callbacks) emitError(err error) {
	c.mu.RLock()
	fn := c.onError
	c.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
