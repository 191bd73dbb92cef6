package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hongjun500/tunnel-go/internal/observe"
	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// RelayConfig 本机中继进程的访问参数
type RelayConfig struct {
	// BaseURL 中继进程地址，默认回环端口
	BaseURL string
	Timeout time.Duration

	Identity func() string
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BaseURL: "http://127.0.0.1:4017",
		Timeout: 15 * time.Second,
	}
}

// Relay 面向 P2P 拓扑：隧道藏在独立守护进程之后，出站信封
// 通过回环 HTTP 一次性投递，入站信封由守护进程回调注入，
// 自身没有需要维护的长连接。
type Relay struct {
	cfg    RelayConfig
	client *http.Client

	cb callbacks
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultRelayConfig().BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRelayConfig().Timeout
	}
	return &Relay{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (r *Relay) Kind() Kind { return KindRelay }

func (r *Relay) OnMessage(fn func(*protocol.Envelope)) { r.cb.setMessage(fn) }
func (r *Relay) OnConnectionChange(fn func(State))     { r.cb.setState(fn) }
func (r *Relay) OnError(fn func(error))                { r.cb.setError(fn) }

// Connect 空操作：中继进程自身的可用性不在这里建模
func (r *Relay) Connect(ctx context.Context, opts ConnectOptions) error {
	r.cb.emitState(StateConnected)
	observe.SetConnected(true)
	return nil
}

// Disconnect 空操作，幂等
func (r *Relay) Disconnect() error {
	r.cb.emitState(StateDisconnected)
	observe.SetConnected(false)
	return nil
}

// Connected 构造上恒为真
func (r *Relay) Connected() bool { return true }

func (r *Relay) Status() ConnectionStatus {
	st := ConnectionStatus{Connected: true, URL: r.cfg.BaseURL}
	if r.cfg.Identity != nil {
		st.DeviceID = r.cfg.Identity()
	}
	return st
}

// Send 向中继进程一次性投递信封
func (r *Relay) Send(ctx context.Context, env *protocol.Envelope) error {
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}

	endpoint := strings.TrimSuffix(r.cfg.BaseURL, "/") + "/relay/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return &ConnectionError{Op: "send", URL: endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ConnectionError{
			Op:  "send",
			URL: endpoint,
			Err: fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return nil
}

// Receive 中继进程的入站注入点
func (r *Relay) Receive(env *protocol.Envelope) {
	if env == nil {
		return
	}
	if err := protocol.Revalidate(env); err != nil {
		observe.IncDropped("invalid")
		logger.L().Sugar().Warnw("relay_envelope_invalid", "err", err)
		r.cb.emitError(err)
		return
	}
	r.cb.emitMessage(env)
}

// Probe 探测中继进程存活；仅供诊断，不影响 Connected()
func (r *Relay) Probe(ctx context.Context) error {
	endpoint := strings.TrimSuffix(r.cfg.BaseURL, "/") + "/relay/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return &ConnectionError{Op: "probe", URL: endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &ConnectionError{Op: "probe", URL: endpoint, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}
