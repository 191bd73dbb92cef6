// Package device 管理节点在网关侧的生命周期：注册握手、周期心跳、
// 模型上报，以及网关视角的在线设备清单。
package device

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hongjun500/tunnel-go/internal/observe"
	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/tunnel"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// Config 生命周期参数
type Config struct {
	Code            string        // 网关下发的注册码
	RequestedID     string        // 期望的设备标识，留空时取主机名
	Platform        string
	Version         string
	AckTimeout      time.Duration // 等待注册回执的上限
	HeartbeatPeriod time.Duration // 心跳间隔
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = 30 * time.Second
	}
	if c.RequestedID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.RequestedID = host
		} else {
			c.RequestedID = "node-" + uuid.NewString()[:8]
		}
	}
	return c
}

// Lifecycle 驱动 未注册 → 注册中 → 已注册（心跳中）的状态推进。
// 传输层每次重连后重新走一遍 Register。
type Lifecycle struct {
	cfg Config
	rt  *tunnel.Runtime

	mu          sync.Mutex
	registering bool
	stopHB      chan struct{}
}

func NewLifecycle(cfg Config, rt *tunnel.Runtime) *Lifecycle {
	return &Lifecycle{cfg: cfg.withDefaults(), rt: rt}
}

// Register 发起注册握手并阻塞等待回执。成功后确立会话身份、补发
// 一次即时心跳和模型清单，并启动心跳循环。同一时刻只允许一次握手，
// 重复调用直接返回。
func (l *Lifecycle) Register(ctx context.Context) error {
	l.mu.Lock()
	if l.registering {
		l.mu.Unlock()
		logger.L().Sugar().Debugw("device_register_in_flight")
		return nil
	}
	l.registering = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.registering = false
		l.mu.Unlock()
	}()

	log := logger.L().Sugar()
	ackCh := make(chan *protocol.RegisterAckPayload, 1)
	lst := &tunnel.Listener{
		Match: tunnel.MatchType(protocol.MsgDeviceRegisterAck),
		Once:  true,
		Fn: func(env *protocol.Envelope) {
			var ack protocol.RegisterAckPayload
			if err := protocol.DecodeInto(env, &ack); err != nil {
				log.Warnw("device_register_ack_undecodable", "err", err)
				return
			}
			ackCh <- &ack
		},
	}

	req := &protocol.RegisterRequestPayload{
		Code:     l.cfg.Code,
		Device:   l.cfg.RequestedID,
		Platform: l.cfg.Platform,
		Version:  l.cfg.Version,
	}
	env, err := protocol.NewEnvelope(protocol.MsgDeviceRegisterRequest, l.cfg.RequestedID, protocol.GatewayPeerID, req)
	if err != nil {
		return &RegistrationError{Stage: "send", Err: err}
	}
	log.Infow("device_register_request", "device", l.cfg.RequestedID)
	if err := l.rt.Router.Send(ctx, env, lst); err != nil {
		l.rt.Router.RemoveListener(lst)
		return &RegistrationError{Stage: "send", Err: err}
	}

	select {
	case ack := <-ackCh:
		if !ack.Success {
			l.Pause()
			return &RegistrationError{Stage: "rejected", Msg: ack.Message}
		}
		l.rt.Session.SetDeviceID(ack.DeviceID)
		log.Infow("device_registered", "device_id", ack.DeviceID)
		l.beat(ctx)
		l.reportModels(ctx)
		l.startHeartbeat()
		return nil
	case <-ctx.Done():
		l.rt.Router.RemoveListener(lst)
		l.Pause()
		return &RegistrationError{Stage: "timeout", Err: ctx.Err()}
	case <-time.After(l.cfg.AckTimeout):
		l.rt.Router.RemoveListener(lst)
		l.Pause()
		return &RegistrationError{Stage: "timeout", Msg: "no ack from gateway"}
	}
}

// Pause 暂停心跳但保留身份，传输层断开时调用
func (l *Lifecycle) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopHB != nil {
		close(l.stopHB)
		l.stopHB = nil
	}
}

// Stop 显式注销：停掉心跳并重置会话身份
func (l *Lifecycle) Stop() {
	l.Pause()
	l.rt.Session.Reset()
}

// Heartbeating 报告心跳循环是否在跑
func (l *Lifecycle) Heartbeating() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopHB != nil
}

func (l *Lifecycle) startHeartbeat() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopHB != nil {
		return
	}
	stop := make(chan struct{})
	l.stopHB = stop
	go l.heartbeatLoop(stop)
}

func (l *Lifecycle) heartbeatLoop(stop <-chan struct{}) {
	t := time.NewTicker(l.cfg.HeartbeatPeriod)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			l.beat(context.Background())
		}
	}
}

// beat 采集系统信息并上报一次心跳；失败只记日志，循环继续
func (l *Lifecycle) beat(ctx context.Context) {
	id := l.rt.Session.DeviceID()
	if id == "" {
		return
	}
	log := logger.L().Sugar()

	var info *protocol.SystemInfo
	if l.rt.SysInfo != nil {
		si, err := l.rt.SysInfo.Collect(ctx)
		if err != nil {
			log.Warnw("system_info_collect_failed", "err", err)
		} else {
			info = si
		}
	}

	p := &protocol.HeartbeatReportPayload{
		DeviceID:   id,
		SystemInfo: info,
		Timestamp:  time.Now().UnixMilli(),
	}
	env, err := protocol.NewEnvelope(protocol.MsgDeviceHeartbeatReport, id, protocol.GatewayPeerID, p)
	if err != nil {
		log.Warnw("heartbeat_encode_failed", "err", err)
		return
	}
	if err := l.rt.Router.Send(ctx, env); err != nil {
		log.Warnw("heartbeat_send_failed", "err", err)
		return
	}
	observe.IncHeartbeat()
}

// reportModels 把推理后端的模型清单推给网关，没装执行器就跳过
func (l *Lifecycle) reportModels(ctx context.Context) {
	if l.rt.Executor == nil {
		return
	}
	log := logger.L().Sugar()
	models, err := l.rt.Executor.Models(ctx)
	if err != nil {
		log.Warnw("model_probe_failed", "err", err)
		return
	}
	id := l.rt.Session.DeviceID()
	env, err := protocol.NewEnvelope(protocol.MsgDeviceModelReport, id, protocol.GatewayPeerID,
		&protocol.ModelReportPayload{DeviceID: id, Models: models})
	if err != nil {
		log.Warnw("model_report_encode_failed", "err", err)
		return
	}
	if err := l.rt.Router.Send(ctx, env); err != nil {
		log.Warnw("model_report_send_failed", "err", err)
	}
}
