// Command node 运行隧道节点守护进程：装配配置、隧道核心、传输与
// 设备生命周期，并提供观测与管理端点。
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hongjun500/tunnel-go/internal/config"
	"github.com/hongjun500/tunnel-go/internal/device"
	"github.com/hongjun500/tunnel-go/internal/handler"
	"github.com/hongjun500/tunnel-go/internal/infer"
	"github.com/hongjun500/tunnel-go/internal/observe"
	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/proxy"
	"github.com/hongjun500/tunnel-go/internal/stream"
	"github.com/hongjun500/tunnel-go/internal/transport"
	"github.com/hongjun500/tunnel-go/internal/tunnel"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（yaml），留空用默认值加环境变量")
	logLevel := flag.String("log-level", "", "覆盖日志级别 debug|info|warn|error")
	flag.Parse()

	if *logLevel != "" {
		logger.SetLevel(*logLevel)
	}
	defer logger.Sync()
	log := logger.S()

	store, err := config.Load(*configPath)
	if err != nil {
		log.Errorw("config_load_failed", "path", *configPath, "err", err)
		os.Exit(1)
	}
	cfg := store.Config()

	reg, err := tunnel.BuildRegistry(handler.All()...)
	if err != nil {
		log.Errorw("registry_build_failed", "err", err)
		os.Exit(1)
	}
	sess := tunnel.NewSession()
	rt := tunnel.NewRuntime(sess, reg)
	rt.Peers = device.NewRegistry()
	rt.SysInfo = device.NewCollector()
	if cfg.Infer.BaseURL != "" {
		rt.Executor = infer.NewHTTPExecutor(infer.HTTPExecutorConfig{
			BaseURL: cfg.Infer.BaseURL,
			APIKey:  cfg.Infer.APIKey,
			Timeout: cfg.Infer.Timeout,
		})
	}

	engine := stream.NewEngine(func(ctx context.Context, to string, t protocol.MessageType, p *protocol.StreamChunkPayload) error {
		env, err := protocol.NewEnvelope(t, sess.DeviceID(), to, p)
		if err != nil {
			return err
		}
		return rt.Router.Send(ctx, env)
	}, stream.BatchPolicy{
		MinFlushBytes: cfg.Stream.MinFlushBytes,
		MaxWait:       cfg.Stream.MaxWait,
		MaxDeltaCount: cfg.Stream.MaxDeltaCount,
	})
	rt.Streams = engine

	tp := buildTransport(cfg, sess)
	rt.Router.SetTransport(tp)

	lc := device.NewLifecycle(device.Config{
		Code:            cfg.Device.Code,
		RequestedID:     cfg.Device.ID,
		Platform:        cfg.Device.Platform,
		Version:         cfg.Device.Version,
		AckTimeout:      cfg.Device.AckTimeout,
		HeartbeatPeriod: cfg.Device.HeartbeatPeriod,
	}, rt)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp.OnMessage(func(env *protocol.Envelope) { rt.Router.Deliver(ctx, env) })
	tp.OnError(func(err error) { log.Warnw("transport_error", "err", err) })
	tp.OnConnectionChange(func(s transport.State) {
		switch s {
		case transport.StateConnected:
			go func() {
				if err := lc.Register(ctx); err != nil {
					log.Errorw("device_register_failed", "err", err)
				}
			}()
		case transport.StateDisconnected:
			lc.Pause()
		}
	})

	switcher := transport.NewSwitcher(tp.Kind(), store, 3*time.Second, nil)
	forwarder := proxy.NewService(rt, cfg.Proxy.Timeout)

	if cfg.Observe.Addr != "" {
		go func() {
			err := observe.StartHTTP(cfg.Observe.Addr, func(mux *http.ServeMux) {
				mux.Handle("/admin/transport", transportAdmin(switcher))
				mux.Handle("/proxy", proxy.Handler(forwarder))
			})
			if err != nil {
				log.Errorw("observe_http_exit", "err", err)
			}
		}()
	}

	go connectLoop(ctx, stop, tp, cfg)

	log.Infow("node_started", "transport", string(tp.Kind()), "observe", cfg.Observe.Addr)
	<-ctx.Done()

	log.Infow("node_stopping")
	teardownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lc.Pause()
	engine.CloseAll(teardownCtx)
	_ = tp.Disconnect()
}

// buildTransport 按配置的传输类型装配实例。broker 形态要在注册拿到
// 身份后把订阅切到自己的主题，这里顺手挂上会话观察。
func buildTransport(cfg *config.Config, sess *tunnel.Session) transport.Transport {
	switch transport.Kind(cfg.Transport.Type) {
	case transport.KindRelay:
		return transport.NewRelay(transport.RelayConfig{
			BaseURL:  cfg.Relay.BaseURL,
			Timeout:  cfg.Relay.Timeout,
			Identity: sess.DeviceID,
		})
	case transport.KindBroker:
		b := transport.NewBroker(transport.BrokerConfig{
			Name:          cfg.Broker.Name,
			SubjectPrefix: cfg.Broker.SubjectPrefix,
			ReconnectWait: cfg.Broker.ReconnectWait,
			MaxReconnects: cfg.Broker.MaxReconnects,
			Identity:      sess.DeviceID,
		})
		sess.Watch(func(id string) {
			if id == "" {
				return
			}
			if err := b.Rebind(id); err != nil {
				logger.S().Warnw("broker_rebind_failed", "device_id", id, "err", err)
			}
		})
		return b
	default:
		d := transport.DefaultDuplexConfig()
		d.Identity = sess.DeviceID
		if cfg.Gateway.ReconnectBase > 0 {
			d.Reconnect.Base = cfg.Gateway.ReconnectBase
		}
		if cfg.Gateway.ReconnectMax > 0 {
			d.Reconnect.Max = cfg.Gateway.ReconnectMax
		}
		if cfg.Gateway.ReconnectMaxAttempts > 0 {
			d.Reconnect.MaxAttempts = cfg.Gateway.ReconnectMaxAttempts
		}
		return transport.NewDuplex(d)
	}
}

func connectOptions(cfg *config.Config) transport.ConnectOptions {
	switch transport.Kind(cfg.Transport.Type) {
	case transport.KindRelay:
		return transport.ConnectOptions{URL: cfg.Relay.BaseURL}
	case transport.KindBroker:
		return transport.ConnectOptions{URL: strings.Join(cfg.Broker.URLs, ","), AuthCode: cfg.Broker.Token}
	default:
		return transport.ConnectOptions{URL: cfg.Gateway.URL, AuthCode: cfg.Device.Code, BasePath: cfg.Gateway.BasePath}
	}
}

// connectLoop 首次建链按退避策略重试；重试耗尽后关停进程，
// 交给守护方带着新环境重新拉起。建成之后的断线由传输层自己重连。
func connectLoop(ctx context.Context, stop context.CancelFunc, tp transport.Transport, cfg *config.Config) {
	log := logger.S()
	policy := transport.ReconnectPolicy{
		Base:        cfg.Gateway.ReconnectBase,
		Max:         cfg.Gateway.ReconnectMax,
		MaxAttempts: cfg.Gateway.ReconnectMaxAttempts,
	}
	opts := connectOptions(cfg)

	for attempt := 1; ; attempt++ {
		err := tp.Connect(ctx, opts)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt >= policy.MaxAttempts {
			log.Errorw("transport_connect_exhausted", "attempts", attempt, "err", err)
			stop()
			return
		}
		delay := policy.Delay(attempt)
		log.Warnw("transport_connect_retry", "attempt", attempt, "delay", delay.String(), "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// transportAdmin 管理端点：GET 查当前传输，POST 请求切换，DELETE 撤销宽限期内的重启
func transportAdmin(sw *transport.Switcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"type": string(sw.Current())})
		case http.MethodPost:
			var req struct {
				Type      string `json:"type"`
				NoRestart bool   `json:"no_restart"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
			if err := sw.Switch(transport.SwitchRequest{Kind: transport.Kind(req.Type), NoRestart: req.NoRestart}); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"type": req.Type, "restart": !req.NoRestart})
		case http.MethodDelete:
			writeJSON(w, http.StatusOK, map[string]any{"canceled": sw.CancelRestart()})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
