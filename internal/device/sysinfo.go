package device

import (
	"context"
	"net"
	"os"
	"runtime"

	"github.com/hongjun500/tunnel-go/internal/protocol"
)

// Collector 默认的系统信息采集器，只依赖进程内可得的指标。
// GPU 探测需要外部工具链，留空交由部署方扩展。
type Collector struct{}

func NewCollector() *Collector { return &Collector{} }

func (c *Collector) Collect(_ context.Context) (*protocol.SystemInfo, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	info := &protocol.SystemInfo{
		CPU: protocol.CPUInfo{
			Cores: runtime.NumCPU(),
			Model: runtime.GOARCH,
		},
		Memory: protocol.MemoryInfo{
			Total: ms.Sys,
			Used:  ms.Alloc,
			Free:  ms.Sys - ms.Alloc,
		},
	}
	if host, err := os.Hostname(); err == nil {
		info.Network.Hostname = host
	}
	info.Network.IP = localIP()
	return info, nil
}

// localIP 取第一块非回环网卡的 IPv4 地址
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
