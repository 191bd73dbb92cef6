package device

import (
	"sort"
	"sync"
	"time"

	"github.com/hongjun500/tunnel-go/internal/protocol"
)

type peerEntry struct {
	device protocol.PeerDevice
	seenAt time.Time
}

// Registry 网关视角的在线设备清单，实现 tunnel.PeerDirectory。
// 代理派发刻意用朴素的先来先选策略，不做负载感知。
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peerEntry
	order []string // 加入顺序

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*peerEntry), now: time.Now}
}

func (r *Registry) Upsert(p protocol.PeerDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[p.DeviceID]; ok {
		e.device = p
		e.seenAt = r.now()
		return
	}
	r.peers[p.DeviceID] = &peerEntry{device: p, seenAt: r.now()}
	r.order = append(r.order, p.DeviceID)
}

// Touch 刷新设备的最近露面时间，心跳到达时调用
func (r *Registry) Touch(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[deviceID]; ok {
		e.seenAt = r.now()
	}
}

func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[deviceID]; !ok {
		return
	}
	delete(r.peers, deviceID)
	for i, id := range r.order {
		if id == deviceID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Get(deviceID string) (protocol.PeerDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[deviceID]
	if !ok {
		return protocol.PeerDevice{}, false
	}
	return e.device, true
}

// List 返回全部设备，按 ID 排序保证输出稳定
func (r *Registry) List() []protocol.PeerDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.PeerDevice, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.device)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// FirstAvailable 按加入顺序取第一台未离线的设备
func (r *Registry) FirstAvailable() (protocol.PeerDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		e := r.peers[id]
		if e.device.Status == protocol.PeerStatusOffline {
			continue
		}
		return e.device, true
	}
	return protocol.PeerDevice{}, false
}

// Prune 清除超过 maxAge 没露面的设备，返回被清掉的 ID
func (r *Registry) Prune(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-maxAge)
	var gone []string
	kept := r.order[:0]
	for _, id := range r.order {
		e := r.peers[id]
		if e.seenAt.Before(cutoff) {
			delete(r.peers, id)
			gone = append(gone, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return gone
}
