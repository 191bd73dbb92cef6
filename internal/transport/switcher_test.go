package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSwitchStore struct {
	mu       sync.Mutex
	kind     Kind
	restarts bool
	calls    int
	err      error
}

func (f *fakeSwitchStore) SetTransportKind(kind Kind, requiresRestart bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.kind = kind
	f.restarts = requiresRestart
	f.calls++
	return nil
}

func TestSwitcher_SwitchPersistsAndRestarts(t *testing.T) {
	store := &fakeSwitchStore{}
	restarted := make(chan struct{}, 1)
	s := NewSwitcher(KindDuplex, store, 20*time.Millisecond, func() { restarted <- struct{}{} })

	var changed Kind
	s.OnChange(func(k Kind) { changed = k })

	require.NoError(t, s.Switch(SwitchRequest{Kind: KindRelay}))
	assert.Equal(t, KindRelay, s.Current())
	assert.Equal(t, KindRelay, changed)
	assert.Equal(t, KindRelay, store.kind)
	assert.True(t, store.restarts)

	select {
	case <-restarted:
	case <-time.After(time.Second):
		t.Fatal("restart never fired after grace period")
	}
}

func TestSwitcher_CancelRestart(t *testing.T) {
	restarted := make(chan struct{}, 1)
	s := NewSwitcher(KindDuplex, &fakeSwitchStore{}, 50*time.Millisecond, func() { restarted <- struct{}{} })

	require.NoError(t, s.Switch(SwitchRequest{Kind: KindBroker}))
	assert.True(t, s.CancelRestart())

	select {
	case <-restarted:
		t.Fatal("restart fired despite cancellation")
	case <-time.After(150 * time.Millisecond):
	}
	// 没有排期时撤销返回假
	assert.False(t, s.CancelRestart())
}

func TestSwitcher_NoRestartOptOut(t *testing.T) {
	store := &fakeSwitchStore{}
	restarted := make(chan struct{}, 1)
	s := NewSwitcher(KindDuplex, store, 10*time.Millisecond, func() { restarted <- struct{}{} })

	require.NoError(t, s.Switch(SwitchRequest{Kind: KindRelay, NoRestart: true}))
	assert.False(t, store.restarts)

	select {
	case <-restarted:
		t.Fatal("restart fired despite opt-out")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSwitcher_SameKindNoop(t *testing.T) {
	store := &fakeSwitchStore{}
	s := NewSwitcher(KindDuplex, store, time.Millisecond, func() {})

	require.NoError(t, s.Switch(SwitchRequest{Kind: KindDuplex}))
	assert.Equal(t, 0, store.calls)
}

func TestSwitcher_UnknownKind(t *testing.T) {
	s := NewSwitcher(KindDuplex, nil, time.Millisecond, func() {})
	assert.Error(t, s.Switch(SwitchRequest{Kind: Kind("carrier-pigeon")}))
}

func TestSwitcher_StoreFailureKeepsCurrent(t *testing.T) {
	store := &fakeSwitchStore{err: assert.AnError}
	s := NewSwitcher(KindDuplex, store, time.Millisecond, func() {})

	err := s.Switch(SwitchRequest{Kind: KindRelay})
	require.Error(t, err)
	assert.Equal(t, KindDuplex, s.Current())
}
