package observe

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartHTTP 启动一个最简 HTTP 服务，提供 /healthz 与 /metrics，
// mounts 里的附加路由一并挂上
func StartHTTP(addr string, mounts ...func(mux *http.ServeMux)) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	for _, mount := range mounts {
		mount(mux)
	}
	return http.ListenAndServe(addr, mux)
}
