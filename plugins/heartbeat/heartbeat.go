// Package heartbeat 周期性地在事件循环上记录进程存活日志。
package heartbeat

import (
	"errors"
	"log/slog"
	"time"

	xerrors "appbase/internal/errors"
	"appbase/pkg/options"
	"appbase/pkg/plugin"
	"appbase/pkg/reactor"
)

// Name 是插件在注册表中的名称。
const Name = "heartbeat"

const defaultInterval = 30 * time.Second

func init() {
	plugin.RegisterFactory(Name, func() plugin.Plugin { return New() })
}

// Plugin 以 Low 优先级定时输出心跳，繁忙时心跳会让位给其他任务。
type Plugin struct {
	plugin.Base

	interval  time.Duration
	startedAt time.Time
	beats     uint64
	stopped   bool

	r     *reactor.Reactor
	timer *reactor.Timer
	log   *slog.Logger
}

// New 创建心跳插件。
func New() *Plugin {
	return &Plugin{Base: plugin.NewBase(Name)}
}

// Description 实现 plugin.Describer。
func (p *Plugin) Description() string {
	return "logs uptime periodically from the event loop"
}

// DeclareOptions 实现 plugin.Plugin。
func (p *Plugin) DeclareOptions(_, cfg *options.Set) {
	cfg.Duration("heartbeat-interval", defaultInterval, "Interval between heartbeat log lines")
}

// Configure 实现 plugin.Plugin。
func (p *Plugin) Configure(ctx *plugin.Context) error {
	interval := ctx.Options.Duration("heartbeat-interval")
	if interval <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "heartbeat-interval must be positive", xerrors.WithPlugin(Name))
	}
	p.interval = interval
	return nil
}

// Start 实现 plugin.Plugin。
func (p *Plugin) Start(ctx *plugin.Context) error {
	p.r = ctx.Reactor
	p.log = ctx.Logger
	p.startedAt = time.Now()
	return p.schedule()
}

// Stop 实现 plugin.Plugin。
func (p *Plugin) Stop(*plugin.Context) error {
	p.stopped = true
	p.timer.Stop()
	return nil
}

// Beats 返回已经输出的心跳次数，只能在事件循环线程或循环退出后读取。
func (p *Plugin) Beats() uint64 {
	return p.beats
}

func (p *Plugin) schedule() error {
	t, err := p.r.After(p.interval, reactor.Low, p.beat)
	if err != nil {
		return err
	}
	p.timer = t
	return nil
}

func (p *Plugin) beat() error {
	if p.stopped {
		return nil
	}
	p.beats++
	p.log.Info("heartbeat",
		slog.Uint64("beats", p.beats),
		slog.Duration("uptime", time.Since(p.startedAt).Round(time.Millisecond)),
		slog.Int("queued", p.r.Len()),
	)
	// 循环退出后不再续期。
	if err := p.schedule(); err != nil && !errors.Is(err, reactor.ErrStopped) {
		return err
	}
	return nil
}
