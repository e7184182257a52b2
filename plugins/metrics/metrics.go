// Package metrics 通过 HTTP 暴露应用的 Prometheus 指标注册表。
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	xerrors "appbase/internal/errors"
	obsmetrics "appbase/internal/observability/metrics"
	"appbase/pkg/options"
	"appbase/pkg/plugin"
	"appbase/pkg/reactor"
)

// Name 是插件在注册表中的名称。
const Name = "metrics"

func init() {
	plugin.RegisterFactory(Name, func() plugin.Plugin { return New() })
}

// Plugin 在 metrics-listen 上提供 /metrics。
type Plugin struct {
	plugin.Base

	listen string
	addr   net.Addr
	cancel context.CancelFunc
	done   chan error
}

// New 创建指标插件。
func New() *Plugin {
	return &Plugin{Base: plugin.NewBase(Name)}
}

// Description 实现 plugin.Describer。
func (p *Plugin) Description() string {
	return "serves scheduler and lifecycle metrics over HTTP"
}

// DeclareOptions 实现 plugin.Plugin。
func (p *Plugin) DeclareOptions(_, cfg *options.Set) {
	cfg.String("metrics-listen", "127.0.0.1:9464", "Address the /metrics endpoint listens on")
}

// Configure 实现 plugin.Plugin。
func (p *Plugin) Configure(ctx *plugin.Context) error {
	listen := ctx.Options.String("metrics-listen")
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("invalid metrics-listen %q", listen), xerrors.WithPlugin(Name))
	}
	if ctx.Metrics == nil {
		return xerrors.New(xerrors.CodeInvalidState, "metric registry unavailable", xerrors.WithPlugin(Name))
	}
	p.listen = listen
	return nil
}

// Start 实现 plugin.Plugin。
func (p *Plugin) Start(ctx *plugin.Context) error {
	ln, err := net.Listen("tcp", p.listen)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDependencyFailed, err, "监听指标端口失败", xerrors.WithPlugin(Name))
	}
	p.addr = ln.Addr()

	srvCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() {
		err := obsmetrics.StartServer(srvCtx, ln, ctx.Metrics)
		if err != nil {
			// 服务异常退出时终止事件循环。
			_ = ctx.Reactor.Post(reactor.High, func() error {
				return xerrors.Wrap(xerrors.CodeDependencyFailed, err, "指标服务异常退出", xerrors.WithPlugin(Name))
			})
		}
		p.done <- err
	}()
	ctx.Logger.Info("metrics endpoint listening", slog.String("addr", p.addr.String()))
	return nil
}

// Stop 实现 plugin.Plugin。
func (p *Plugin) Stop(*plugin.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	p.cancel = nil
	return <-p.done
}

// Addr 返回实际监听地址，Start 之前为 nil。
func (p *Plugin) Addr() net.Addr {
	return p.addr
}
