package handler

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hongjun500/tunnel-go/internal/protocol"
	"github.com/hongjun500/tunnel-go/internal/tunnel"
)

// proxyBodyLimit 被代理响应体的读取上限
const proxyBodyLimit = 4 << 20

var proxyClient = &http.Client{Timeout: 30 * time.Second}

// Proxy 外部请求转发：设备侧执行本地 HTTP 调用并回发结果，
// 网关侧的 proxy_response 由派发服务挂的监听器消费。
func Proxy() []tunnel.Registration {
	return []tunnel.Registration{
		typed(protocol.MsgProxyRequest, tunnel.Income, handleProxyRequest),
		listenerFed(protocol.MsgProxyResponse),
	}
}

func handleProxyRequest(ctx context.Context, rt *tunnel.Runtime, env *protocol.Envelope) error {
	var req protocol.ProxyRequestPayload
	if err := protocol.DecodeInto(env, &req); err != nil {
		return err
	}
	return rt.Reply(ctx, env, protocol.MsgProxyResponse, executeProxy(ctx, &req))
}

// executeProxy 把代理请求落地成一次本地 HTTP 调用；一切失败都
// 折进应答的 Error 字段，让请求方拿到终态而不是干等。
func executeProxy(ctx context.Context, req *protocol.ProxyRequestPayload) *protocol.ProxyResponsePayload {
	out := &protocol.ProxyResponsePayload{TaskID: req.TaskID}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := proxyClient.Do(httpReq)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, proxyBodyLimit))
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.StatusCode = httpResp.StatusCode
	out.Body = string(data)
	out.Headers = make(map[string]string, len(httpResp.Header))
	for k := range httpResp.Header {
		out.Headers[k] = httpResp.Header.Get(k)
	}
	return out
}
