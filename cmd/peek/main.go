// Command peek 调试用：以一台合成设备的身份拨上网关，
// 发出注册请求后把看到的每个信封打到标准输出。
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/transport"
)

func main() {
	var (
		gateway   = flag.String("gateway", "ws://127.0.0.1:8080", "网关地址")
		basePath  = flag.String("path", "/ws", "网关挂载路径")
		code      = flag.String("code", "", "注册码")
		deviceID  = flag.String("device", "", "合成设备标识，留空自动生成")
		pingEvery = flag.Duration("ping", 0, "周期发 ping 的间隔，0 不发")
	)
	flag.Parse()

	id := *deviceID
	if id == "" {
		id = "peek-" + uuid.NewString()[:8]
	}

	tp := transport.NewDuplex(transport.DefaultDuplexConfig())
	tp.OnMessage(dump)
	tp.OnConnectionChange(func(s transport.State) {
		fmt.Fprintf(os.Stderr, "* %s\n", s)
	})
	tp.OnError(func(err error) {
		fmt.Fprintf(os.Stderr, "! %v\n", err)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tp.Connect(ctx, transport.ConnectOptions{
		URL:      *gateway,
		AuthCode: *code,
		BasePath: *basePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	reg, err := protocol.NewEnvelope(protocol.MsgDeviceRegisterRequest, id, protocol.GatewayPeerID,
		&protocol.RegisterRequestPayload{Code: *code, Device: id})
	if err == nil {
		err = tp.Send(ctx, reg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
	}

	if *pingEvery > 0 {
		go pingLoop(ctx, tp, id, *pingEvery)
	}

	<-ctx.Done()
	_ = tp.Disconnect()
}

func pingLoop(ctx context.Context, tp transport.Transport, id string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.MsgPing, id, protocol.GatewayPeerID,
				&protocol.PingPayload{Timestamp: time.Now().UnixMilli()})
			if err == nil {
				err = tp.Send(ctx, env)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "ping: %v\n", err)
			}
		}
	}
}

func dump(env *protocol.Envelope) {
	fmt.Printf("--- %s  %s  %s -> %s\n",
		time.Now().Format("15:04:05.000"), env.Type, env.From, env.To)
	if len(env.Payload) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, env.Payload, "", "  "); err != nil {
		fmt.Printf("%q\n", env.Payload)
		return
	}
	fmt.Println(buf.String())
}
