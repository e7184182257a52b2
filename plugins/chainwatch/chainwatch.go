// Package chainwatch 定期轮询 EVM 节点的最新区块高度。
package chainwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"

	xerrors "appbase/internal/errors"
	"appbase/pkg/options"
	"appbase/pkg/plugin"
	"appbase/pkg/reactor"
)

// Name 是插件在注册表中的名称。
const Name = "chainwatch"

func init() {
	plugin.RegisterFactory(Name, func() plugin.Plugin { return New() })
}

// HeadSource 返回链的最新区块高度，*ethclient.Client 满足该接口。
type HeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Listener 在事件循环线程上收到新的区块高度。
type Listener func(height uint64)

// Plugin 的 RPC 调用都在工作池中执行，结果回到事件循环后更新高度并通知订阅者。
type Plugin struct {
	plugin.Base

	rpcURL   string
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, url string) (HeadSource, error)

	source     HeadSource
	r          *reactor.Reactor
	log        *slog.Logger
	timer      *reactor.Timer
	stopped    bool
	height     uint64
	failures   int
	listeners  []Listener
	gauge      prometheus.Gauge
	pollErrors prometheus.Counter
}

// New 创建区块监视插件。
func New() *Plugin {
	return &Plugin{Base: plugin.NewBase(Name), dial: dialEthereum}
}

func dialEthereum(ctx context.Context, url string) (HeadSource, error) {
	rpcClient, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	return ethclient.NewClient(rpcClient), nil
}

// Description 实现 plugin.Describer。
func (p *Plugin) Description() string {
	return "polls the head block of an EVM chain"
}

// DeclareOptions 实现 plugin.Plugin。
func (p *Plugin) DeclareOptions(_, cfg *options.Set) {
	cfg.String("chainwatch-rpc", "", "EVM JSON-RPC endpoint")
	cfg.Duration("chainwatch-interval", 15*time.Second, "Interval between head block polls")
	cfg.Duration("chainwatch-timeout", 5*time.Second, "Timeout of a single poll")
}

// Subscribe 注册高度变化回调。
func (p *Plugin) Subscribe(l Listener) {
	if l != nil {
		p.listeners = append(p.listeners, l)
	}
}

// Configure 实现 plugin.Plugin。
func (p *Plugin) Configure(ctx *plugin.Context) error {
	p.rpcURL = strings.TrimSpace(ctx.Options.String("chainwatch-rpc"))
	if p.rpcURL == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址", xerrors.WithPlugin(Name))
	}
	p.interval = ctx.Options.Duration("chainwatch-interval")
	p.timeout = ctx.Options.Duration("chainwatch-timeout")
	if p.interval <= 0 || p.timeout <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "chainwatch-interval and chainwatch-timeout must be positive", xerrors.WithPlugin(Name))
	}

	p.gauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "appbase",
		Name:      "chain_head_block",
		Help:      "Latest block height observed by chainwatch.",
	})
	p.pollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "appbase",
		Name:      "chain_poll_errors_total",
		Help:      "Total number of failed head block polls.",
	})
	if ctx.Metrics != nil {
		for _, c := range []prometheus.Collector{p.gauge, p.pollErrors} {
			if err := ctx.Metrics.Register(c); err != nil {
				return xerrors.Wrap(xerrors.CodeConfigureFailed, err, "注册区块指标失败", xerrors.WithPlugin(Name))
			}
		}
	}
	return nil
}

// Start 实现 plugin.Plugin。
func (p *Plugin) Start(ctx *plugin.Context) error {
	p.r = ctx.Reactor
	p.log = ctx.Logger
	dialCtx, cancel := context.WithTimeout(ctx.C, p.timeout)
	defer cancel()
	source, err := p.dial(dialCtx, p.rpcURL)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDependencyFailed, err, "连接以太坊节点失败", xerrors.WithPlugin(Name))
	}
	p.source = source
	// 首次轮询立即进行。
	if err := p.r.Post(reactor.Low, p.poll); err != nil {
		source.Close()
		p.source = nil
		return err
	}
	return nil
}

// Stop 实现 plugin.Plugin。
func (p *Plugin) Stop(*plugin.Context) error {
	p.stopped = true
	p.timer.Stop()
	if p.source != nil {
		p.source.Close()
		p.source = nil
	}
	return nil
}

// Height 返回最近观察到的区块高度，只能在事件循环线程或循环退出后读取。
func (p *Plugin) Height() uint64 {
	return p.height
}

func (p *Plugin) poll() error {
	if p.stopped {
		return nil
	}
	source := p.source
	var height uint64
	err := p.r.Go(reactor.Low, func(ctx context.Context) error {
		c, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		h, err := source.BlockNumber(c)
		height = h
		return err
	}, func(err error) error {
		return p.observe(height, err)
	})
	if errors.Is(err, reactor.ErrStopped) {
		return nil
	}
	return err
}

func (p *Plugin) observe(height uint64, err error) error {
	if p.stopped {
		return nil
	}
	if err != nil {
		p.failures++
		p.pollErrors.Inc()
		p.log.Warn("head block poll failed", slog.Any("error", err), slog.Int("failures", p.failures))
	} else {
		p.failures = 0
		if height != p.height {
			p.height = height
			p.gauge.Set(float64(height))
			p.log.Debug("new head block", slog.Uint64("height", height))
			for _, l := range p.listeners {
				l(height)
			}
		}
	}
	t, err := p.r.After(p.interval, reactor.Low, p.poll)
	if err != nil {
		if errors.Is(err, reactor.ErrStopped) {
			return nil
		}
		return err
	}
	p.timer = t
	return nil
}
