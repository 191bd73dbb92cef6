package tunnel

import (
	"context"

	"github.com/hongjun500/tunnel-go/internal/infer"
	"github.com/hongjun500/tunnel-go/internal/protocol"
)

// PeerDirectory 维护已连接设备清单（网关侧视角）
type PeerDirectory interface {
	Upsert(p protocol.PeerDevice)
	Touch(deviceID string)
	Remove(deviceID string)
	Get(deviceID string) (protocol.PeerDevice, bool)
	List() []protocol.PeerDevice
	FirstAvailable() (protocol.PeerDevice, bool)
}

// SystemInfoCollector 采集本机运行指标，心跳负载原样携带
type SystemInfoCollector interface {
	Collect(ctx context.Context) (*protocol.SystemInfo, error)
}

// TaskRunner 执行通用任务请求，流式中间结果经 emit 逐片回发
type TaskRunner interface {
	Run(ctx context.Context, req *protocol.TaskRequestPayload, emit func(*protocol.TaskStreamPayload) error) (*protocol.TaskResponsePayload, error)
}

// Runtime 是交给处理器的进程装配：会话身份、路由器以及各协作方。
// 身份不再是全局单例，读写都经由这里的 Session。
type Runtime struct {
	Session  *Session
	Router   *Router
	Peers    PeerDirectory
	Streams  infer.SinkFactory
	Executor infer.Executor
	SysInfo  SystemInfoCollector
	Tasks    TaskRunner
}

// NewRuntime 构建运行时并在内部装好路由器，协作方字段由装配方按需填充
func NewRuntime(sess *Session, reg *Registry) *Runtime {
	rt := &Runtime{Session: sess}
	rt.Router = newRouter(reg, sess, rt)
	return rt
}

// Reply 构造一条回执信封发回原发送方。发件身份优先取会话身份，
// 未注册时退回原信封的收件地址。
func (rt *Runtime) Reply(ctx context.Context, in *protocol.Envelope, t protocol.MessageType, payload any, listeners ...*Listener) error {
	from := rt.Session.DeviceID()
	if from == "" {
		from = in.To
	}
	out, err := protocol.NewEnvelope(t, from, in.From, payload)
	if err != nil {
		return err
	}
	return rt.Router.Send(ctx, out, listeners...)
}
