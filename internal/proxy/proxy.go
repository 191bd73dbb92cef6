// Package proxy 把外部到达网关的 HTTP 请求经隧道派发给在线设备执行。
package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hongjun500/tunnel-go/internal/observe"
	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/tunnel"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// ErrNoDeviceAvailable 当前没有可接单的设备，调用方应映射为 503
var ErrNoDeviceAvailable = errors.New("proxy: no device available")

// Request 待转发的外部请求
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Service 把请求派发给第一台可用设备并等待对应的 proxy_response。
// 选择策略刻意保持朴素，不做负载感知调度。
type Service struct {
	rt      *tunnel.Runtime
	timeout time.Duration
}

func NewService(rt *tunnel.Runtime, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{rt: rt, timeout: timeout}
}

// Forward 选设备、发 proxy_request、按 taskId 等回执。
// 无设备、发送失败或超时都立刻给调用方终态，绝不无限挂起。
func (s *Service) Forward(ctx context.Context, req *Request) (*protocol.ProxyResponsePayload, error) {
	target, ok := s.pick()
	if !ok {
		observe.IncProxyRequest("no_device")
		return nil, ErrNoDeviceAvailable
	}

	taskID := uuid.NewString()
	env, err := protocol.NewEnvelope(protocol.MsgProxyRequest, s.rt.Session.DeviceID(), target.DeviceID,
		&protocol.ProxyRequestPayload{
			TaskID:  taskID,
			Method:  req.Method,
			URL:     req.URL,
			Headers: req.Headers,
			Body:    req.Body,
		})
	if err != nil {
		observe.IncProxyRequest("error")
		return nil, err
	}

	respCh := make(chan *protocol.ProxyResponsePayload, 1)
	lst := &tunnel.Listener{
		Match: tunnel.MatchTaskID(protocol.MsgProxyResponse, taskID),
		Once:  true,
		Fn: func(got *protocol.Envelope) {
			var resp protocol.ProxyResponsePayload
			if err := protocol.DecodeInto(got, &resp); err != nil {
				logger.L().Sugar().Warnw("proxy_response_undecodable", "task", taskID, "err", err)
				return
			}
			respCh <- &resp
		},
	}

	logger.L().Sugar().Infow("proxy_dispatch", "task", taskID, "device", target.DeviceID, "method", req.Method)
	if err := s.rt.Router.Send(ctx, env, lst); err != nil {
		s.rt.Router.RemoveListener(lst)
		observe.IncProxyRequest("error")
		return nil, fmt.Errorf("proxy dispatch to %s: %w", target.DeviceID, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			observe.IncProxyRequest("error")
		} else {
			observe.IncProxyRequest("ok")
		}
		return resp, nil
	case <-ctx.Done():
		s.rt.Router.RemoveListener(lst)
		observe.IncProxyRequest("timeout")
		return nil, ctx.Err()
	case <-time.After(s.timeout):
		s.rt.Router.RemoveListener(lst)
		observe.IncProxyRequest("timeout")
		return nil, fmt.Errorf("proxy dispatch to %s: %w", target.DeviceID, context.DeadlineExceeded)
	}
}

func (s *Service) pick() (protocol.PeerDevice, bool) {
	if s.rt.Peers == nil {
		return protocol.PeerDevice{}, false
	}
	return s.rt.Peers.FirstAvailable()
}
