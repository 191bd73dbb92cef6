package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hongjun500/tunnel-go/internal/observe"
	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// BrokerConfig 消息总线传输配置
type BrokerConfig struct {
	Name          string // NATS 客户端名
	SubjectPrefix string // 默认 tunnel.peer.
	ReconnectWait time.Duration
	MaxReconnects int

	Identity func() string
}

func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Name:          "tunnel-node",
		SubjectPrefix: "tunnel.peer.",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: 60,
	}
}

// Broker 经由消息总线互联的集群形态：每个节点订阅自己的主题
// tunnel.peer.<deviceId>，发送即发布到对端主题。重连交给 NATS
// 客户端自带的机制，状态通过统一回调上抛。
type Broker struct {
	cfg BrokerConfig

	mu      sync.Mutex
	conn    *nats.Conn
	sub     *nats.Subscription
	boundID string
	url     string

	cb callbacks
}

func NewBroker(cfg BrokerConfig) *Broker {
	def := DefaultBrokerConfig()
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}
	return &Broker{cfg: cfg}
}

func (b *Broker) Kind() Kind { return KindBroker }

func (b *Broker) OnMessage(fn func(*protocol.Envelope)) { b.cb.setMessage(fn) }
func (b *Broker) OnConnectionChange(fn func(State))     { b.cb.setState(fn) }
func (b *Broker) OnError(fn func(error))                { b.cb.setError(fn) }

// Connect 连接总线并订阅本机主题；身份未确立时先不订阅，
// 等 Rebind 随注册回执把主题绑上。
func (b *Broker) Connect(ctx context.Context, opts ConnectOptions) error {
	b.mu.Lock()
	if b.conn != nil && b.conn.IsConnected() {
		b.mu.Unlock()
		return nil
	}
	b.url = opts.URL
	b.mu.Unlock()

	b.cb.emitState(StateConnecting)
	natsOpts := []nats.Option{
		nats.Name(b.cfg.Name),
		nats.ReconnectWait(b.cfg.ReconnectWait),
		nats.MaxReconnects(b.cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			observe.SetConnected(false)
			b.cb.emitState(StateDisconnected)
			if err != nil {
				b.cb.emitError(&ConnectionError{Op: "connect", URL: opts.URL, Err: err})
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			observe.IncReconnectAttempt()
			observe.SetConnected(true)
			b.cb.emitState(StateConnected)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			observe.SetConnected(false)
			b.cb.emitState(StateDisconnected)
		}),
	}
	if opts.AuthCode != "" {
		natsOpts = append(natsOpts, nats.Token(opts.AuthCode))
	}

	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		b.cb.emitState(StateDisconnected)
		return &ConnectionError{Op: "connect", URL: opts.URL, Err: err}
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	observe.SetConnected(true)
	b.cb.emitState(StateConnected)
	logger.L().Sugar().Infow("broker_connected", "url", opts.URL)

	if b.cfg.Identity != nil {
		if id := b.cfg.Identity(); id != "" {
			return b.Rebind(id)
		}
	}
	return nil
}

// Rebind 把入站订阅切到新的设备身份；身份变更时必须调用
func (b *Broker) Rebind(deviceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return ErrNotConnected
	}
	if b.boundID == deviceID {
		return nil
	}
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
		b.boundID = ""
	}
	if deviceID == "" {
		return nil
	}

	subject := b.cfg.SubjectPrefix + deviceID
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		env, perr := protocol.ParseEnvelope(msg.Data)
		if perr != nil {
			observe.IncDropped("invalid")
			logger.L().Sugar().Warnw("broker_envelope_invalid", "subject", msg.Subject, "err", perr)
			b.cb.emitError(perr)
			return
		}
		b.cb.emitMessage(env)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.sub = sub
	b.boundID = deviceID
	logger.L().Sugar().Infow("broker_subscribed", "subject", subject)
	return nil
}

// Disconnect 排空在途消息后关闭，幂等
func (b *Broker) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.sub = nil
	b.boundID = ""
	b.mu.Unlock()

	if conn != nil {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}
	observe.SetConnected(false)
	b.cb.emitState(StateDisconnected)
	return nil
}

func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.conn.IsConnected()
}

func (b *Broker) Status() ConnectionStatus {
	b.mu.Lock()
	connected := b.conn != nil && b.conn.IsConnected()
	u := b.url
	b.mu.Unlock()
	st := ConnectionStatus{Connected: connected, URL: u}
	if b.cfg.Identity != nil {
		st.DeviceID = b.cfg.Identity()
	}
	return st
}

// Send 发布信封到对端主题
func (b *Broker) Send(ctx context.Context, env *protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return fmt.Errorf("send %s: %w", env.Type, ErrNotConnected)
	}
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	if err := conn.Publish(b.cfg.SubjectPrefix+env.To, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}
