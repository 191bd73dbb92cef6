package transport

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// SwitchStore 持久化传输选择
type SwitchStore interface {
	SetTransportKind(kind Kind, requiresRestart bool) error
}

// SwitchRequest 一次传输切换请求
type SwitchRequest struct {
	Kind      Kind
	NoRestart bool // 调用方明确放弃重启，自行承担热切换风险
}

// Switcher 执行传输切换策略：更新内存配置、发出变更事件，
// 并在宽限期后整进程重启换新传输，而不是热替换一条已建立的连接。
// 宽限期内可撤销。
type Switcher struct {
	mu       sync.Mutex
	current  Kind
	grace    time.Duration
	timer    *time.Timer
	store    SwitchStore
	onChange func(Kind)
	restart  func()
}

// NewSwitcher 构造切换器；restart 为空时默认退出进程交给守护方拉起
func NewSwitcher(current Kind, store SwitchStore, grace time.Duration, restart func()) *Switcher {
	if grace <= 0 {
		grace = 3 * time.Second
	}
	if restart == nil {
		restart = func() {
			logger.L().Sugar().Infow("transport_restart_exec")
			os.Exit(0)
		}
	}
	return &Switcher{current: current, grace: grace, store: store, restart: restart}
}

// Current 返回当前生效的传输形态
func (s *Switcher) Current() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// OnChange 注册切换事件回调，单槽
func (s *Switcher) OnChange(fn func(Kind)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Switch 应用一次切换：先落盘，再广播，最后视情况排期重启
func (s *Switcher) Switch(req SwitchRequest) error {
	switch req.Kind {
	case KindDuplex, KindRelay, KindBroker:
	default:
		return fmt.Errorf("unknown transport kind %q", req.Kind)
	}

	s.mu.Lock()
	if s.current == req.Kind {
		s.mu.Unlock()
		return nil
	}
	prev := s.current
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SetTransportKind(req.Kind, !req.NoRestart); err != nil {
			return fmt.Errorf("persist transport switch: %w", err)
		}
	}

	s.mu.Lock()
	s.current = req.Kind
	onChange := s.onChange
	s.mu.Unlock()

	logger.L().Sugar().Infow("transport_switched",
		"from", string(prev), "to", string(req.Kind), "restart", !req.NoRestart)
	if onChange != nil {
		onChange(req.Kind)
	}
	if !req.NoRestart {
		s.scheduleRestart()
	}
	return nil
}

func (s *Switcher) scheduleRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	grace := s.grace
	s.timer = time.AfterFunc(grace, func() {
		logger.L().Sugar().Infow("transport_restart", "grace", grace.String())
		s.restart()
	})
}

// CancelRestart 撤销宽限期内的重启，返回是否真的拦下了
func (s *Switcher) CancelRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return false
	}
	stopped := s.timer.Stop()
	s.timer = nil
	return stopped
}
