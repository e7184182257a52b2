// Package plugintest drives a single plugin through its hooks without an
// Application.
package plugintest

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"appbase/pkg/logger"
	"appbase/pkg/options"
	"appbase/pkg/plugin"
	"appbase/pkg/reactor"
)

// Instance is the instance identifier placed in every test environment.
const Instance = "test-instance"

// Context declares p's options, parses args against them and returns a hook
// context backed by a fresh reactor. The reactor is closed when t finishes.
func Context(t testing.TB, p plugin.Plugin, args ...string) *plugin.Context {
	t.Helper()
	cli := options.NewSet(p.Name() + " command line")
	cfg := options.NewSet(p.Name())
	p.DeclareOptions(cli, cfg)
	values, err := options.Parse(args, cli, cfg)
	require.NoError(t, err)

	r, err := reactor.New(reactor.WithLogger(logger.Discard()), reactor.WithWorkers(4))
	require.NoError(t, err)
	t.Cleanup(r.Close)

	return &plugin.Context{
		C: context.Background(),
		Environment: plugin.Environment{
			Options:   values,
			Reactor:   r,
			Logger:    logger.Discard(),
			DataDir:   t.TempDir(),
			ConfigDir: t.TempDir(),
			Instance:  Instance,
			Metrics:   prometheus.NewRegistry(),
		},
	}
}

// RunFor runs the reactor of c until d has elapsed and returns what Run
// returned.
func RunFor(t testing.TB, c *plugin.Context, d time.Duration) error {
	t.Helper()
	r := c.Reactor
	_, err := r.After(d, reactor.Highest, func() error {
		r.Stop()
		return nil
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run() }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(d + 5*time.Second):
		t.Fatal("reactor did not stop in time")
		return nil
	}
}
