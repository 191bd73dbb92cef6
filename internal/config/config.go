// Package config 加载并持有节点配置：YAML 文件打底，TUNNEL_* 环境变量
// 覆盖，校验后生效。传输切换会把新选择写回文件，重启后按新传输拉起。
package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/hongjun500/tunnel-go/internal/transport"
)

// EnvPrefix 环境变量覆盖的统一前缀
const EnvPrefix = "TUNNEL"

// DeviceConfig 设备身份与生命周期参数
type DeviceConfig struct {
	Code            string        `mapstructure:"code"`     // 注册码，注册与拨号共用
	ID              string        `mapstructure:"id"`       // 期望的设备标识，留空取主机名
	Platform        string        `mapstructure:"platform"` // linux / darwin / windows
	Version         string        `mapstructure:"version"`
	AckTimeout      time.Duration `mapstructure:"ack_timeout"`
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period"`
}

// TransportConfig 已解析的传输选择，隧道核心只读这一份
type TransportConfig struct {
	Type            string `mapstructure:"type"`
	UpdatedAt       string `mapstructure:"updated_at"` // RFC3339，切换时记录
	RequiresRestart bool   `mapstructure:"requires_restart"`
}

// GatewayConfig 双工传输的拨号参数
type GatewayConfig struct {
	URL      string `mapstructure:"url"`
	BasePath string `mapstructure:"base_path"`

	ReconnectBase        time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax         time.Duration `mapstructure:"reconnect_max"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
}

// RelayConfig 中继传输的本地守护进程参数
type RelayConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// BrokerConfig 消息代理传输的连接参数
type BrokerConfig struct {
	URLs          []string      `mapstructure:"urls"`
	Name          string        `mapstructure:"name"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Token         string        `mapstructure:"token"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
}

// StreamConfig 流引擎攒批阈值
type StreamConfig struct {
	MinFlushBytes int           `mapstructure:"min_flush_bytes"`
	MaxWait       time.Duration `mapstructure:"max_wait"`
	MaxDeltaCount int           `mapstructure:"max_delta_count"`
}

// InferConfig 本机推理后端（OpenAI 兼容 HTTP 接口）的接入参数，
// base_url 留空表示本节点不执行推理
type InferConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ObserveConfig 观测面参数
type ObserveConfig struct {
	Addr string `mapstructure:"addr"`
}

// ProxyConfig 代理派发参数
type ProxyConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Config 节点完整配置
type Config struct {
	Device    DeviceConfig    `mapstructure:"device"`
	Transport TransportConfig `mapstructure:"transport"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Infer     InferConfig     `mapstructure:"infer"`
	Observe   ObserveConfig   `mapstructure:"observe"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
}

// setDefaults 是默认值的唯一来源。每个键都要在这里登记，
// AutomaticEnv 只对已登记的键生效。
func setDefaults(v *viper.Viper) {
	v.SetDefault("device.code", "")
	v.SetDefault("device.id", "")
	v.SetDefault("device.platform", runtime.GOOS)
	v.SetDefault("device.version", "")
	v.SetDefault("device.ack_timeout", "10s")
	v.SetDefault("device.heartbeat_period", "30s")

	v.SetDefault("transport.type", string(transport.KindDuplex))
	v.SetDefault("transport.updated_at", "")
	v.SetDefault("transport.requires_restart", false)

	v.SetDefault("gateway.url", "ws://127.0.0.1:8080")
	v.SetDefault("gateway.base_path", "/ws")
	v.SetDefault("gateway.reconnect_base", "1s")
	v.SetDefault("gateway.reconnect_max", "30s")
	v.SetDefault("gateway.reconnect_max_attempts", 5)

	v.SetDefault("relay.base_url", "http://127.0.0.1:4017")
	v.SetDefault("relay.timeout", "15s")

	v.SetDefault("broker.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("broker.name", "tunnel-node")
	v.SetDefault("broker.subject_prefix", "tunnel.peer.")
	v.SetDefault("broker.token", "")
	v.SetDefault("broker.reconnect_wait", "2s")
	v.SetDefault("broker.max_reconnects", 60)

	v.SetDefault("stream.min_flush_bytes", 24)
	v.SetDefault("stream.max_wait", "300ms")
	v.SetDefault("stream.max_delta_count", 6)

	v.SetDefault("infer.base_url", "")
	v.SetDefault("infer.api_key", "")
	v.SetDefault("infer.timeout", "120s")

	v.SetDefault("observe.addr", ":9090")

	v.SetDefault("proxy.timeout", "30s")
}

// Default 返回不受文件与环境变量影响的默认配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &cfg
}

// Validate 校验跨字段约束，传输类型必须有对应的连接参数
func (c *Config) Validate() error {
	switch transport.Kind(c.Transport.Type) {
	case transport.KindDuplex:
		if c.Gateway.URL == "" {
			return errors.New("gateway.url is required for the duplex transport")
		}
	case transport.KindRelay:
		if c.Relay.BaseURL == "" {
			return errors.New("relay.base_url is required for the relay transport")
		}
	case transport.KindBroker:
		if len(c.Broker.URLs) == 0 {
			return errors.New("broker.urls is required for the broker transport")
		}
	default:
		return fmt.Errorf("unknown transport type %q", c.Transport.Type)
	}
	if c.Device.HeartbeatPeriod < 0 {
		return errors.New("device.heartbeat_period must not be negative")
	}
	return nil
}

// Clone 拷贝一份配置，切片字段独立
func (c *Config) Clone() *Config {
	clone := *c
	clone.Broker.URLs = append([]string(nil), c.Broker.URLs...)
	return &clone
}
