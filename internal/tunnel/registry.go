package tunnel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hongjun500/tunnel-go/internal/protocol"
)

// Direction 区分入站与出站处理表
type Direction int

const (
	Income Direction = iota
	Outcome
)

func (d Direction) String() string {
	switch d {
	case Income:
		return "income"
	case Outcome:
		return "outcome"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// HandlerFunc 处理一条已通过校验的信封
type HandlerFunc func(ctx context.Context, rt *Runtime, env *protocol.Envelope) error

// Registration 显式声明一个处理器占用的 (类型, 方向) 槽位
type Registration struct {
	Type      protocol.MessageType
	Direction Direction
	Handle    HandlerFunc
}

// Registry 维护入站 / 出站两张只增处理表。
// 重复注册立即报错，绝不静默覆盖。
type Registry struct {
	mu      sync.RWMutex
	income  map[protocol.MessageType]HandlerFunc
	outcome map[protocol.MessageType]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{
		income:  make(map[protocol.MessageType]HandlerFunc),
		outcome: make(map[protocol.MessageType]HandlerFunc),
	}
}

func (r *Registry) Register(reg Registration) error {
	if reg.Type == "" {
		return fmt.Errorf("registration type is empty")
	}
	if reg.Handle == nil {
		return fmt.Errorf("registration %s/%s has nil handler", reg.Type, reg.Direction)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.table(reg.Direction)
	if table == nil {
		return fmt.Errorf("registration %s has invalid direction %d", reg.Type, int(reg.Direction))
	}
	if _, exists := table[reg.Type]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateHandler, reg.Type, reg.Direction)
	}
	table[reg.Type] = reg.Handle
	return nil
}

// Resolve 查找处理器；未命中返回 *UnknownMessageTypeError
func (r *Registry) Resolve(t protocol.MessageType, d Direction) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table := r.table(d)
	if table == nil {
		return nil, &UnknownMessageTypeError{Type: t, Direction: d}
	}
	h, ok := table[t]
	if !ok {
		return nil, &UnknownMessageTypeError{Type: t, Direction: d}
	}
	return h, nil
}

// Types 返回某方向已注册的消息类型（排序后），便于启动日志
func (r *Registry) Types(d Direction) []protocol.MessageType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table := r.table(d)
	out := make([]protocol.MessageType, 0, len(table))
	for t := range table {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) table(d Direction) map[protocol.MessageType]HandlerFunc {
	switch d {
	case Income:
		return r.income
	case Outcome:
		return r.outcome
	default:
		return nil
	}
}

// BuildRegistry 汇总各处理器组件声明的注册项，任何一条冲突都让启动失败
func BuildRegistry(groups ...[]Registration) (*Registry, error) {
	r := NewRegistry()
	for _, group := range groups {
		for _, reg := range group {
			if err := r.Register(reg); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}
