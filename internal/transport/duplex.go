package transport

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hongjun500/tunnel-go/internal/observe"
	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// ReconnectPolicy 指数退避重连参数
type ReconnectPolicy struct {
	Enabled     bool
	Base        time.Duration // 首次等待
	Max         time.Duration // 单次等待上限
	MaxAttempts int           // 超过后停止自动重连
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Enabled: true, Base: time.Second, Max: 30 * time.Second, MaxAttempts: 5}
}

// Delay 计算第 attempt 次重试前的等待，attempt 从 1 起：base * 2^(attempt-1)，封顶 Max
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// DuplexConfig 双工 WebSocket 传输配置
type DuplexConfig struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration // 链路层 ping 周期，0 关闭
	PongWait         time.Duration // 读超时，收到 pong 顺延，0 关闭
	WriteTimeout     time.Duration
	Reconnect        ReconnectPolicy

	// Identity 报告当前设备身份，仅用于 Status() 快照，可空
	Identity func() string
}

func DefaultDuplexConfig() DuplexConfig {
	return DuplexConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		WriteTimeout:     10 * time.Second,
		Reconnect:        DefaultReconnectPolicy(),
	}
}

// duplexConn 包一层连接句柄，closeOnce 保证底层只关一次
type duplexConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closed    chan struct{}
}

func newDuplexConn(ws *websocket.Conn) *duplexConn {
	return &duplexConn{ws: ws, closed: make(chan struct{})}
}

func (c *duplexConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// Duplex 持有一条到网关的 WebSocket 长连接。
// 意外断开按指数退避自动重连；本地主动断开和对端正常关闭不重连。
type Duplex struct {
	cfg DuplexConfig

	mu             sync.Mutex
	conn           *duplexConn
	state          State
	opts           ConnectOptions
	attempts       int
	manual         bool
	reconnectTimer *time.Timer

	writeMu sync.Mutex

	cb callbacks
}

func NewDuplex(cfg DuplexConfig) *Duplex {
	return &Duplex{cfg: cfg, state: StateDisconnected}
}

func (d *Duplex) Kind() Kind { return KindDuplex }

func (d *Duplex) OnMessage(fn func(*protocol.Envelope)) { d.cb.setMessage(fn) }
func (d *Duplex) OnConnectionChange(fn func(State))     { d.cb.setState(fn) }
func (d *Duplex) OnError(fn func(error))                { d.cb.setError(fn) }

func (d *Duplex) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateConnected
}

func (d *Duplex) Status() ConnectionStatus {
	d.mu.Lock()
	connected := d.state == StateConnected
	u := d.opts.URL
	d.mu.Unlock()
	st := ConnectionStatus{Connected: connected, URL: u}
	if d.cfg.Identity != nil {
		st.DeviceID = d.cfg.Identity()
	}
	return st
}

// Connect 建立连接；成功返回即已连接。重复调用在已连接时为空操作。
func (d *Duplex) Connect(ctx context.Context, opts ConnectOptions) error {
	d.mu.Lock()
	if d.state == StateConnected {
		d.mu.Unlock()
		return nil
	}
	d.opts = opts
	d.manual = false
	d.attempts = 0
	d.mu.Unlock()

	d.transition(StateConnecting)
	return d.dial(ctx)
}

// Disconnect 本地主动断开：清零重试计数，撤销挂起的重连定时器，不再自动重连
func (d *Duplex) Disconnect() error {
	d.mu.Lock()
	d.manual = true
	d.attempts = 0
	if d.reconnectTimer != nil {
		d.reconnectTimer.Stop()
		d.reconnectTimer = nil
	}
	c := d.conn
	d.conn = nil
	d.mu.Unlock()

	if c != nil {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second))
		c.shutdown()
	}
	d.transition(StateDisconnected)
	return nil
}

// Reconnect 手动重连：清零计数、撤销定时器、无视终止原因立即重拨
func (d *Duplex) Reconnect(ctx context.Context) error {
	d.mu.Lock()
	d.manual = false
	d.attempts = 0
	if d.reconnectTimer != nil {
		d.reconnectTimer.Stop()
		d.reconnectTimer = nil
	}
	c := d.conn
	d.conn = nil
	d.mu.Unlock()

	if c != nil {
		c.shutdown()
	}
	d.transition(StateConnecting)
	return d.dial(ctx)
}

func (d *Duplex) Send(ctx context.Context, env *protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	c := d.conn
	d.mu.Unlock()
	if c == nil {
		return fmt.Errorf("send %s: %w", env.Type, ErrNotConnected)
	}
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.cfg.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// dialURL 拼接网关地址、挂载路径与激活码
func (d *Duplex) dialURL() (string, error) {
	d.mu.Lock()
	opts := d.opts
	d.mu.Unlock()

	u, err := url.Parse(opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	if opts.BasePath != "" {
		u.Path = path.Join(u.Path, opts.BasePath)
	}
	if opts.AuthCode != "" {
		q := u.Query()
		q.Set("code", opts.AuthCode)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (d *Duplex) dial(ctx context.Context) error {
	target, err := d.dialURL()
	if err != nil {
		d.transition(StateDisconnected)
		return &ConnectionError{Op: "connect", URL: target, Err: err}
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		d.transition(StateDisconnected)
		return &ConnectionError{Op: "connect", URL: target, Err: err}
	}

	c := newDuplexConn(ws)
	d.mu.Lock()
	d.conn = c
	d.attempts = 0
	d.mu.Unlock()
	d.transition(StateConnected)
	logger.L().Sugar().Infow("duplex_connected", "url", target)

	go d.readLoop(c)
	go d.pingLoop(c)
	return nil
}

// readLoop 逐帧读入、解析校验、上抛回调；读错误触发断开处理
func (d *Duplex) readLoop(c *duplexConn) {
	if d.cfg.PongWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(d.cfg.PongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(d.cfg.PongWait))
		})
	}
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			d.handleClosed(c, err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		env, perr := protocol.ParseEnvelope(data)
		if perr != nil {
			// 坏信封丢弃并上报，不中断连接
			observe.IncDropped("invalid")
			logger.L().Sugar().Warnw("duplex_envelope_invalid", "err", perr)
			d.cb.emitError(perr)
			continue
		}
		d.cb.emitMessage(env)
	}
}

func (d *Duplex) pingLoop(c *duplexConn) {
	if d.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		case <-c.closed:
			return
		}
	}
}

func (d *Duplex) handleClosed(c *duplexConn, err error) {
	d.mu.Lock()
	if d.conn != c {
		// 旧连接的尾音，当前连接已被替换或主动关闭
		d.mu.Unlock()
		c.shutdown()
		return
	}
	d.conn = nil
	manual := d.manual
	u := d.opts.URL
	d.mu.Unlock()
	c.shutdown()
	d.transition(StateDisconnected)

	if manual {
		return
	}
	logger.L().Sugar().Warnw("duplex_disconnected", "url", u, "err", err)

	if isTerminalClose(err) {
		d.cb.emitError(&ConnectionError{Op: "connect", URL: u, Terminal: true, Err: err})
		return
	}
	d.scheduleReconnect()
}

// isTerminalClose 对端正常关闭视为终止原因，不触发自动重连
func isTerminalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

func (d *Duplex) scheduleReconnect() {
	p := d.cfg.Reconnect
	if !p.Enabled {
		return
	}
	d.mu.Lock()
	if d.manual {
		d.mu.Unlock()
		return
	}
	if d.attempts >= p.MaxAttempts {
		attempts := d.attempts
		u := d.opts.URL
		d.mu.Unlock()
		logger.L().Sugar().Errorw("duplex_reconnect_exhausted", "url", u, "attempts", attempts)
		d.cb.emitError(&ConnectionError{
			Op: "reconnect", URL: u, Attempts: attempts, Terminal: true, Err: ErrReconnectExhausted,
		})
		return
	}
	d.attempts++
	attempt := d.attempts
	delay := p.Delay(attempt)
	d.reconnectTimer = time.AfterFunc(delay, func() { d.redial(attempt) })
	d.mu.Unlock()

	observe.IncReconnectAttempt()
	logger.L().Sugar().Infow("duplex_reconnect_scheduled", "attempt", attempt, "delay", delay.String())
}

func (d *Duplex) redial(attempt int) {
	d.mu.Lock()
	if d.manual || d.state == StateConnected {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.transition(StateConnecting)
	if err := d.dial(context.Background()); err != nil {
		logger.L().Sugar().Warnw("duplex_reconnect_failed", "attempt", attempt, "err", err)
		d.scheduleReconnect()
	}
}

func (d *Duplex) transition(s State) {
	d.mu.Lock()
	if d.state == s {
		d.mu.Unlock()
		return
	}
	d.state = s
	d.mu.Unlock()
	observe.SetConnected(s == StateConnected)
	d.cb.emitState(s)
}
