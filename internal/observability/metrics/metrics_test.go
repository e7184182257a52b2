package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appbase/pkg/plugin"
	"appbase/pkg/reactor"
)

func TestSchedulerCountsTasks(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewScheduler(reg)
	require.NoError(t, err)

	s.TaskQueued(reactor.High)
	s.TaskQueued(reactor.High)
	s.TaskExecuted(reactor.High, time.Millisecond, nil)
	s.TaskExecuted(reactor.High, time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(s.queued.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.executed.WithLabelValues("high", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.executed.WithLabelValues("high", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(s.duration))

	_, err = NewScheduler(reg)
	assert.Error(t, err, "collectors register once per registry")
}

func TestLifecycleTracksActiveState(t *testing.T) {
	reg := prometheus.NewRegistry()
	l, err := NewLifecycle(reg)
	require.NoError(t, err)

	l.StateChanged("chain", plugin.StateInitialized)
	l.StateChanged("chain", plugin.StateStarted)
	l.HookFinished("chain", plugin.HookStart, 2*time.Millisecond, nil)
	l.HookFinished("chain", plugin.HookStop, time.Millisecond, errors.New("stuck"))

	assert.Equal(t, 1.0, testutil.ToFloat64(l.state.WithLabelValues("chain", "started")))
	assert.Equal(t, 0.0, testutil.ToFloat64(l.state.WithLabelValues("chain", "initialized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.failures.WithLabelValues("chain", "stop")))

	expected := `
# HELP appbase_lifecycle_hook_failures_total Total number of failed plugin lifecycle hooks.
# TYPE appbase_lifecycle_hook_failures_total counter
appbase_lifecycle_hook_failures_total{hook="stop",plugin="chain"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "appbase_lifecycle_hook_failures_total"))
}

func TestStartServerExposesRegistry(t *testing.T) {
	reg := NewRegistry()
	s, err := NewScheduler(reg)
	require.NoError(t, err)
	s.TaskQueued(reactor.Low)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- StartServer(ctx, ln, reg) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `appbase_tasks_queued_total{priority="low"} 1`)
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
