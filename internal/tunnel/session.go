package tunnel

import (
	"sync"
)

// Session 持有本节点的对等身份。启动时为空，注册回执确立身份，
// 注销或断开时重置。路由器在每次分发时读取它来判定方向。
type Session struct {
	mu       sync.RWMutex
	deviceID string

	watchers map[uint64]func(string)
	nextWID  uint64
}

func NewSession() *Session {
	return &Session{watchers: make(map[uint64]func(string))}
}

// DeviceID 返回当前身份，未注册时为空串
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// SetDeviceID 确立身份并通知观察者
func (s *Session) SetDeviceID(id string) {
	s.mu.Lock()
	if s.deviceID == id {
		s.mu.Unlock()
		return
	}
	s.deviceID = id
	fns := make([]func(string), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

// Reset 清除身份（注销 / 主动断开）
func (s *Session) Reset() { s.SetDeviceID("") }

// Registered 报告身份是否已确立
func (s *Session) Registered() bool { return s.DeviceID() != "" }

// Watch 注册身份变更观察者，返回取消函数
func (s *Session) Watch(fn func(id string)) (cancel func()) {
	s.mu.Lock()
	s.nextWID++
	id := s.nextWID
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}
