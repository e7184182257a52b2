// Package retry 为依赖外部服务的插件提供带指数退避的连接重试。
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config 描述退避参数，零值字段使用默认值。
type Config struct {
	Initial time.Duration
	Max     time.Duration
	// Timeout 为重试的总时长上限。
	Timeout time.Duration
}

func (c Config) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	if c.Initial > 0 {
		b.InitialInterval = c.Initial
	}
	if c.Max > 0 {
		b.MaxInterval = c.Max
	}
	if c.Timeout > 0 {
		b.MaxElapsedTime = c.Timeout
	}
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// Do 反复执行 op 直到成功、超时或 ctx 结束，返回最后一次错误。
// op 返回 Permanent 包装的错误时立即停止。
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return backoff.Retry(func() error {
		return op(ctx)
	}, cfg.backOff(ctx))
}

// Permanent 标记无需重试的错误。
func Permanent(err error) error {
	return backoff.Permanent(err)
}
