// Command gateway 运行开发用中心网关：接受节点的 WebSocket 接入，
// 应答注册与心跳，按收件身份在节点之间转发信封，并提供代理派发入口。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hongjun500/tunnel-go/internal/device"
	"github.com/hongjun500/tunnel-go/internal/handler"
	"github.com/hongjun500/tunnel-go/internal/observe"
	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/proxy"
	"github.com/hongjun500/tunnel-go/internal/tunnel"
	"github.com/hongjun500/tunnel-go/pkg/logger"
)

// wsPeer 一条已接入的节点连接，写操作串行化
type wsPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *wsPeer) write(env *protocol.Envelope) error {
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// fleet 网关视角的在线连接表，同时充当路由器的出站投递
type fleet struct {
	mu   sync.Mutex
	byID map[string]*wsPeer
}

func newFleet() *fleet { return &fleet{byID: make(map[string]*wsPeer)} }

// Send 把出站信封投给收件节点
func (f *fleet) Send(ctx context.Context, env *protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	p, ok := f.byID[env.To]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("send %s: device %s not attached", env.Type, env.To)
	}
	return p.write(env)
}

// bind 把连接登记到发件身份名下，同名重复接入以新连接为准
func (f *fleet) bind(id string, p *wsPeer) {
	if id == "" || id == protocol.GatewayPeerID {
		return
	}
	f.mu.Lock()
	prev, had := f.byID[id]
	if prev == p {
		f.mu.Unlock()
		return
	}
	f.byID[id] = p
	f.mu.Unlock()

	if had {
		_ = prev.conn.Close()
	} else {
		observe.AddDevicesOnline(1)
	}
	logger.S().Infow("gateway_device_attached", "device_id", id)
}

// drop 连接断开后清除它名下的所有登记，返回受影响的身份
func (f *fleet) drop(p *wsPeer) []string {
	f.mu.Lock()
	var removed []string
	for id, cur := range f.byID {
		if cur == p {
			delete(f.byID, id)
			removed = append(removed, id)
		}
	}
	f.mu.Unlock()
	for range removed {
		observe.AddDevicesOnline(-1)
	}
	return removed
}

func (f *fleet) closeAll() {
	f.mu.Lock()
	conns := make(map[*wsPeer]struct{}, len(f.byID))
	for _, p := range f.byID {
		conns[p] = struct{}{}
	}
	f.mu.Unlock()
	for p := range conns {
		_ = p.conn.Close()
	}
}

func main() {
	var (
		addr         = flag.String("addr", ":8080", "WebSocket 监听地址")
		wsPath       = flag.String("path", "/ws", "WebSocket 挂载路径")
		code         = flag.String("code", "", "接入码，留空不校验")
		observeAddr  = flag.String("observe", ":9091", "观测与代理入口地址，留空不开")
		proxyTimeout = flag.Duration("proxy-timeout", 30*time.Second, "代理派发超时")
		pruneAfter   = flag.Duration("prune-after", 2*time.Minute, "心跳静默超过该时长的设备被清出清单")
	)
	flag.Parse()
	defer logger.Sync()
	log := logger.S()

	reg, err := tunnel.BuildRegistry(handler.All()...)
	if err != nil {
		log.Errorw("registry_build_failed", "err", err)
		os.Exit(1)
	}
	sess := tunnel.NewSession()
	sess.SetDeviceID(protocol.GatewayPeerID)
	rt := tunnel.NewRuntime(sess, reg)
	peers := device.NewRegistry()
	rt.Peers = peers

	f := newFleet()
	rt.Router.SetTransport(f)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 心跳静默的设备周期性清出派发候选
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range peers.Prune(*pruneAfter) {
					log.Infow("gateway_device_pruned", "device_id", id)
				}
			}
		}
	}()

	if *observeAddr != "" {
		forwarder := proxy.NewService(rt, *proxyTimeout)
		go func() {
			err := observe.StartHTTP(*observeAddr, func(mux *http.ServeMux) {
				mux.Handle("/proxy", proxy.Handler(forwarder))
			})
			if err != nil {
				log.Errorw("observe_http_exit", "err", err)
			}
		}()
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc(*wsPath, func(w http.ResponseWriter, r *http.Request) {
		if *code != "" && r.URL.Query().Get("code") != *code {
			http.Error(w, "invalid code", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go serve(ctx, rt, f, peers, &wsPeer{conn: ws})
	})

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		f.closeAll()
	}()

	log.Infow("gateway_started", "addr", *addr, "path", *wsPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorw("gateway_listen_failed", "err", err)
		os.Exit(1)
	}
}

// serve 一条连接的收包循环：发给网关的信封走本地分发，
// 其余按收件身份在节点之间透传
func serve(ctx context.Context, rt *tunnel.Runtime, f *fleet, peers *device.Registry, p *wsPeer) {
	log := logger.S()
	defer func() {
		for _, id := range f.drop(p) {
			peers.Remove(id)
			log.Infow("gateway_device_detached", "device_id", id)
		}
		_ = p.conn.Close()
	}()

	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		env, perr := protocol.ParseEnvelope(data)
		if perr != nil {
			observe.IncDropped("invalid")
			log.Warnw("gateway_envelope_invalid", "err", perr)
			continue
		}
		f.bind(env.From, p)
		if env.To == protocol.GatewayPeerID {
			rt.Router.Deliver(ctx, env)
			continue
		}
		if err := f.Send(ctx, env); err != nil {
			observe.IncDropped("unroutable")
			log.Warnw("gateway_forward_failed", "type", string(env.Type), "to", env.To, "err", err)
		}
	}
}
