// Package health 提供 HTTP 存活/就绪探针与 gRPC 健康检查服务。
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/shirou/gopsutil/v3/disk"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	xerrors "appbase/internal/errors"
	"appbase/pkg/options"
	"appbase/pkg/plugin"
	"appbase/pkg/reactor"
)

// Name 是插件在注册表中的名称。
const Name = "health"

const (
	defaultGoroutineLimit = 10000
	shutdownTimeout       = 5 * time.Second
)

func init() {
	plugin.RegisterFactory(Name, func() plugin.Plugin { return New() })
}

// Plugin 在事件循环运行期间报告就绪，停止请求发出后立即转为未就绪。
type Plugin struct {
	plugin.Base

	listen     string
	grpcListen string
	minFree    uint64
	dataDir    string

	handler healthcheck.Handler
	r       *reactor.Reactor
	running atomic.Bool

	httpSrv  *http.Server
	httpAddr net.Addr
	httpDone chan struct{}

	grpcSrv    *grpc.Server
	grpcHealth *grpchealth.Server
	grpcAddr   net.Addr
	grpcDone   chan struct{}
}

// New 创建健康检查插件。
func New() *Plugin {
	return &Plugin{Base: plugin.NewBase(Name)}
}

// Description 实现 plugin.Describer。
func (p *Plugin) Description() string {
	return "liveness and readiness over HTTP and the gRPC health protocol"
}

// DeclareOptions 实现 plugin.Plugin。
func (p *Plugin) DeclareOptions(_, cfg *options.Set) {
	cfg.String("health-listen", "127.0.0.1:8086", "Address serving /live and /ready")
	cfg.String("health-grpc-listen", "", "Address serving grpc.health.v1.Health, empty to disable")
	cfg.Uint64("health-min-free-mb", 64, "Minimum free space in the data directory, in MiB, to report ready")
}

// Configure 实现 plugin.Plugin。
func (p *Plugin) Configure(ctx *plugin.Context) error {
	p.listen = ctx.Options.String("health-listen")
	p.grpcListen = ctx.Options.String("health-grpc-listen")
	p.minFree = ctx.Options.Uint64("health-min-free-mb") << 20
	for _, addr := range []string{p.listen, p.grpcListen} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("invalid listen address %q", addr), xerrors.WithPlugin(Name))
		}
	}
	if p.listen == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "health-listen cannot be empty", xerrors.WithPlugin(Name))
	}

	p.dataDir = ctx.DataDir
	if err := os.MkdirAll(p.dataDir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeConfigureFailed, err, "创建数据目录失败", xerrors.WithPlugin(Name))
	}
	p.r = ctx.Reactor

	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(defaultGoroutineLimit))
	h.AddReadinessCheck("event-loop", p.loopCheck)
	h.AddReadinessCheck("data-dir", diskCheck(p.dataDir, p.minFree))
	p.handler = h
	return nil
}

// Start 实现 plugin.Plugin。
func (p *Plugin) Start(ctx *plugin.Context) error {
	ln, err := net.Listen("tcp", p.listen)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDependencyFailed, err, "监听健康检查端口失败", xerrors.WithPlugin(Name))
	}
	p.httpAddr = ln.Addr()
	p.httpSrv = &http.Server{Handler: p.handler, ReadHeaderTimeout: 5 * time.Second}
	p.httpDone = make(chan struct{})
	go func() {
		defer close(p.httpDone)
		if err := p.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctx.Logger.Error("health server stopped", slog.Any("error", err))
		}
	}()

	if p.grpcListen != "" {
		if err := p.startGRPC(ctx); err != nil {
			p.stopHTTP()
			return err
		}
	}

	p.running.Store(true)
	if p.grpcHealth != nil {
		p.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	ctx.Logger.Info("health endpoints listening", slog.String("http", p.httpAddr.String()))
	return nil
}

func (p *Plugin) startGRPC(ctx *plugin.Context) error {
	ln, err := net.Listen("tcp", p.grpcListen)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDependencyFailed, err, "监听 gRPC 健康检查端口失败", xerrors.WithPlugin(Name))
	}
	p.grpcAddr = ln.Addr()
	p.grpcHealth = grpchealth.NewServer()
	p.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	p.grpcSrv = grpc.NewServer()
	healthpb.RegisterHealthServer(p.grpcSrv, p.grpcHealth)
	p.grpcDone = make(chan struct{})
	go func() {
		defer close(p.grpcDone)
		if err := p.grpcSrv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			ctx.Logger.Error("grpc health server stopped", slog.Any("error", err))
		}
	}()
	ctx.Logger.Info("grpc health listening", slog.String("addr", p.grpcAddr.String()))
	return nil
}

// Stop 实现 plugin.Plugin。
func (p *Plugin) Stop(*plugin.Context) error {
	p.running.Store(false)
	if p.grpcSrv != nil {
		p.grpcHealth.Shutdown()
		p.grpcSrv.GracefulStop()
		<-p.grpcDone
		p.grpcSrv = nil
	}
	return p.stopHTTP()
}

func (p *Plugin) stopHTTP() error {
	if p.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := p.httpSrv.Shutdown(shutdownCtx)
	<-p.httpDone
	p.httpSrv = nil
	return err
}

// Handler 返回探针处理器，Configure 之后可用。
func (p *Plugin) Handler() http.Handler {
	return p.handler
}

// HTTPAddr 返回 HTTP 探针的实际监听地址。
func (p *Plugin) HTTPAddr() net.Addr { return p.httpAddr }

// GRPCAddr 返回 gRPC 健康服务的实际监听地址，未启用时为 nil。
func (p *Plugin) GRPCAddr() net.Addr { return p.grpcAddr }

func (p *Plugin) loopCheck() error {
	if !p.running.Load() {
		return errors.New("not started")
	}
	if p.r != nil && p.r.Stopping() {
		return errors.New("shutting down")
	}
	return nil
}

func diskCheck(path string, minFree uint64) healthcheck.Check {
	return func() error {
		usage, err := disk.Usage(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if usage.Free < minFree {
			return fmt.Errorf("%s has %d bytes free, want at least %d", path, usage.Free, minFree)
		}
		return nil
	}
}
