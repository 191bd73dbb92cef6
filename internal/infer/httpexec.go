package infer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hongjun500/tunnel-go/internal/protocol"
)

const execBodyLimit = 8 << 20

// HTTPExecutorConfig 本机推理后端（OpenAI 兼容 HTTP 接口）的访问参数
type HTTPExecutorConfig struct {
	BaseURL string        // 如 http://127.0.0.1:11434
	APIKey  string        // 可空，随 Authorization 携带
	Timeout time.Duration // 非流式请求的上限，流式请求只受 ctx 约束
}

// HTTPExecutor 把请求转成对本机推理后端的 HTTP 调用。
// 流式响应的原始字节逐块灌进 sink，SSE 重组交给流引擎，这里不碰行边界。
type HTTPExecutor struct {
	cfg    HTTPExecutorConfig
	client *http.Client
}

func NewHTTPExecutor(cfg HTTPExecutorConfig) *HTTPExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &HTTPExecutor{cfg: cfg, client: &http.Client{}}
}

func (e *HTTPExecutor) Chat(ctx context.Context, req *protocol.ChatRequestPayload, sink Sink) error {
	path := req.Path
	if path == "" {
		path = "/v1/chat/completions"
	}
	body := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   req.Stream,
	}
	return e.do(ctx, path, body, req.Stream, sink)
}

func (e *HTTPExecutor) Complete(ctx context.Context, req *protocol.CompletionRequestPayload, sink Sink) error {
	path := req.Path
	if path == "" {
		path = "/v1/completions"
	}
	body := map[string]any{
		"model":  req.Model,
		"prompt": req.Prompt,
		"stream": req.Stream,
	}
	return e.do(ctx, path, body, req.Stream, sink)
}

func (e *HTTPExecutor) Models(ctx context.Context) ([]protocol.ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	e.auth(httpReq)
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, execBodyLimit)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}
	models := make([]protocol.ModelInfo, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, protocol.ModelInfo{Name: m.ID, Family: m.OwnedBy})
	}
	return models, nil
}

func (e *HTTPExecutor) do(ctx context.Context, path string, body any, stream bool, sink Sink) error {
	if !stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	e.auth(httpReq)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	if !stream {
		full, err := io.ReadAll(io.LimitReader(resp.Body, execBodyLimit))
		if err != nil {
			return err
		}
		return sink.JSON(ctx, full)
	}

	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if werr := sink.Write(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return sink.End(ctx)
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (e *HTTPExecutor) auth(req *http.Request) {
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("inference backend %s: %s", resp.Status, strings.TrimSpace(string(msg)))
}
