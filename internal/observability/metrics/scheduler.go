package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"appbase/pkg/reactor"
)

const namespace = "appbase"

// Scheduler 将事件循环的调度事件导出为 Prometheus 指标，实现 reactor.Observer。
type Scheduler struct {
	queued   *prometheus.CounterVec
	executed *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewScheduler 创建调度指标并注册到 reg。
func NewScheduler(reg prometheus.Registerer) (*Scheduler, error) {
	s := &Scheduler{
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_queued_total",
			Help:      "Total number of tasks posted to the event loop.",
		}, []string{"priority"}),
		executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_executed_total",
			Help:      "Total number of tasks executed by the event loop.",
		}, []string{"priority", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task callback duration in seconds.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"priority"}),
	}
	for _, c := range []prometheus.Collector{s.queued, s.executed, s.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TaskQueued 实现 reactor.Observer。
func (s *Scheduler) TaskQueued(p reactor.Priority) {
	s.queued.WithLabelValues(p.String()).Inc()
}

// TaskExecuted 实现 reactor.Observer。
func (s *Scheduler) TaskExecuted(p reactor.Priority, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.executed.WithLabelValues(p.String(), result).Inc()
	s.duration.WithLabelValues(p.String()).Observe(elapsed.Seconds())
}
