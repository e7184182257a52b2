// Package redisstore 管理共享的 Redis 客户端，并维护本节点的心跳键。
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "appbase/internal/errors"
	"appbase/internal/retry"
	"appbase/pkg/options"
	"appbase/pkg/plugin"
	"appbase/pkg/reactor"
)

// Name 是插件在注册表中的名称。
const Name = "redisstore"

func init() {
	plugin.RegisterFactory(Name, func() plugin.Plugin { return New() })
}

// Plugin 在启动时以指数退避连接 Redis，运行期间定期刷新节点心跳键。
type Plugin struct {
	plugin.Base

	opts           redis.Options
	prefix         string
	interval       time.Duration
	connectTimeout time.Duration

	client   *redis.Client
	key      string
	r        *reactor.Reactor
	log      *slog.Logger
	timer    *reactor.Timer
	stopped  bool
	failures int
}

// New 创建 Redis 插件。
func New() *Plugin {
	return &Plugin{Base: plugin.NewBase(Name)}
}

// Description 实现 plugin.Describer。
func (p *Plugin) Description() string {
	return "shared Redis client with a node heartbeat key"
}

// DeclareOptions 实现 plugin.Plugin。
func (p *Plugin) DeclareOptions(_, cfg *options.Set) {
	cfg.String("redis-address", "127.0.0.1:6379", "Redis server address")
	cfg.String("redis-password", "", "Redis password")
	cfg.Int("redis-db", 0, "Redis database index")
	cfg.String("redis-key-prefix", "appbase", "Prefix of keys written by this node")
	cfg.Duration("redis-heartbeat-interval", 15*time.Second, "Interval between node heartbeat refreshes")
	cfg.Duration("redis-connect-timeout", 10*time.Second, "Total time spent retrying the initial connection")
}

// Configure 实现 plugin.Plugin。
func (p *Plugin) Configure(ctx *plugin.Context) error {
	addr := strings.TrimSpace(ctx.Options.String("redis-address"))
	if addr == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空", xerrors.WithPlugin(Name))
	}
	db := ctx.Options.Int("redis-db")
	if db < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid redis-db %d", db), xerrors.WithPlugin(Name))
	}
	p.interval = ctx.Options.Duration("redis-heartbeat-interval")
	if p.interval <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "redis-heartbeat-interval must be positive", xerrors.WithPlugin(Name))
	}
	p.connectTimeout = ctx.Options.Duration("redis-connect-timeout")
	p.prefix = strings.TrimSuffix(ctx.Options.String("redis-key-prefix"), ":")
	p.opts = redis.Options{
		Addr:     addr,
		Password: ctx.Options.String("redis-password"),
		DB:       db,
	}
	p.key = HeartbeatKey(p.prefix, ctx.Instance)
	return nil
}

// HeartbeatKey 返回节点心跳键名。
func HeartbeatKey(prefix, instance string) string {
	if prefix == "" {
		return "nodes:" + instance
	}
	return prefix + ":nodes:" + instance
}

// Start 实现 plugin.Plugin。
func (p *Plugin) Start(ctx *plugin.Context) error {
	p.r = ctx.Reactor
	p.log = ctx.Logger
	opts := p.opts
	p.client = redis.NewClient(&opts)

	err := retry.Do(ctx.C, retry.Config{Timeout: p.connectTimeout}, func(c context.Context) error {
		return p.client.Ping(c).Err()
	})
	if err != nil {
		_ = p.client.Close()
		p.client = nil
		return xerrors.Wrap(xerrors.CodeDependencyFailed, err, "连接 Redis 失败", xerrors.WithPlugin(Name),
			xerrors.WithMetadata("address", opts.Addr))
	}
	if err := p.touch(ctx.C); err != nil {
		_ = p.client.Close()
		p.client = nil
		return xerrors.Wrap(xerrors.CodeDependencyFailed, err, "写入节点心跳失败", xerrors.WithPlugin(Name))
	}
	p.log.Info("redis connected", slog.String("address", opts.Addr), slog.String("key", p.key))
	return p.schedule()
}

// Stop 实现 plugin.Plugin。
func (p *Plugin) Stop(ctx *plugin.Context) error {
	p.stopped = true
	p.timer.Stop()
	if p.client == nil {
		return nil
	}
	delCtx, cancel := context.WithTimeout(ctx.C, 2*time.Second)
	defer cancel()
	var errs []error
	if err := p.client.Del(delCtx, p.key).Err(); err != nil {
		errs = append(errs, fmt.Errorf("删除节点心跳失败: %w", err))
	}
	if err := p.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("关闭 Redis 连接失败: %w", err))
	}
	p.client = nil
	return errors.Join(errs...)
}

// Client 返回共享客户端，Start 之前为 nil。
func (p *Plugin) Client() *redis.Client {
	return p.client
}

// Key 返回本节点的心跳键。
func (p *Plugin) Key() string {
	return p.key
}

func (p *Plugin) touch(ctx context.Context) error {
	return p.client.Set(ctx, p.key, time.Now().UTC().Format(time.RFC3339Nano), 3*p.interval).Err()
}

func (p *Plugin) schedule() error {
	t, err := p.r.After(p.interval, reactor.Low, p.refresh)
	if err != nil {
		return err
	}
	p.timer = t
	return nil
}

// refresh 在事件循环上触发，写入操作交给工作池执行。
func (p *Plugin) refresh() error {
	if p.stopped {
		return nil
	}
	client := p.client
	err := p.r.Go(reactor.Low, func(ctx context.Context) error {
		c, cancel := context.WithTimeout(ctx, p.interval)
		defer cancel()
		return client.Set(c, p.key, time.Now().UTC().Format(time.RFC3339Nano), 3*p.interval).Err()
	}, p.refreshed)
	if errors.Is(err, reactor.ErrStopped) {
		return nil
	}
	return err
}

func (p *Plugin) refreshed(err error) error {
	if p.stopped {
		return nil
	}
	if err != nil {
		p.failures++
		p.log.Warn("redis heartbeat failed", slog.Any("error", err), slog.Int("failures", p.failures))
	} else {
		p.failures = 0
	}
	if err := p.schedule(); err != nil && !errors.Is(err, reactor.ErrStopped) {
		return err
	}
	return nil
}
