package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"appbase/pkg/plugin"
)

// Lifecycle 记录插件状态与生命周期钩子耗时，实现 plugin.Observer。
type Lifecycle struct {
	state    *prometheus.GaugeVec
	hooks    *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// NewLifecycle 创建生命周期指标并注册到 reg。
func NewLifecycle(reg prometheus.Registerer) (*Lifecycle, error) {
	l := &Lifecycle{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugin_state",
			Help:      "Current lifecycle state of each plugin (1 for the active state).",
		}, []string{"plugin", "state"}),
		hooks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lifecycle_hook_duration_seconds",
			Help:      "Plugin lifecycle hook duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin", "hook"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_hook_failures_total",
			Help:      "Total number of failed plugin lifecycle hooks.",
		}, []string{"plugin", "hook"}),
	}
	for _, c := range []prometheus.Collector{l.state, l.hooks, l.failures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// StateChanged 实现 plugin.Observer。
func (l *Lifecycle) StateChanged(name string, state plugin.State) {
	for _, s := range plugin.States() {
		v := 0.0
		if s == state {
			v = 1
		}
		l.state.WithLabelValues(name, string(s)).Set(v)
	}
}

// HookFinished 实现 plugin.Observer。
func (l *Lifecycle) HookFinished(name string, hook plugin.Hook, elapsed time.Duration, err error) {
	l.hooks.WithLabelValues(name, string(hook)).Observe(elapsed.Seconds())
	if err != nil {
		l.failures.WithLabelValues(name, string(hook)).Inc()
	}
}
