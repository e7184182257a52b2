package app

import (
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"appbase/internal/observability/alerting"
	"appbase/pkg/plugin"
)

// Option customises an Application at construction time.
type Option func(*Application)

// WithName sets the program name shown in help output.
func WithName(name string) Option {
	return func(a *Application) {
		if name != "" {
			a.name = name
		}
	}
}

// WithVersion sets the numeric application version.
func WithVersion(v uint64) Option {
	return func(a *Application) {
		a.version = v
	}
}

// WithVersionString sets the text printed by --version. It defaults to the
// numeric version.
func WithVersionString(s string) Option {
	return func(a *Application) {
		a.versionString = s
	}
}

// WithDefaultDataDir sets the data directory used when --data-dir is absent.
func WithDefaultDataDir(dir string) Option {
	return func(a *Application) {
		if dir != "" {
			a.defaultDataDir = dir
		}
	}
}

// WithDefaultConfigDir sets the config directory used when --config-dir is absent.
func WithDefaultConfigDir(dir string) Option {
	return func(a *Application) {
		if dir != "" {
			a.defaultConfigDir = dir
		}
	}
}

// WithLogger overrides the application logger. A logging config file found
// through --logconf still takes precedence.
func WithLogger(l *slog.Logger) Option {
	return func(a *Application) {
		if l != nil {
			a.log = l
			a.audit = l
		}
	}
}

// WithOutput sets where help, version and the default config are printed.
func WithOutput(w io.Writer) Option {
	return func(a *Application) {
		if w != nil {
			a.out = w
		}
	}
}

// WithSignals replaces the signals that request a stop while running. Pass
// none to disable signal handling.
func WithSignals(sigs ...os.Signal) Option {
	return func(a *Application) {
		a.signals = sigs
	}
}

// WithAlertDispatcher routes alert-worthy lifecycle failures to d.
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(a *Application) {
		if d != nil {
			a.alerts = d
		}
	}
}

// WithTracerProvider sets the provider used for lifecycle spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *Application) {
		if tp != nil {
			a.tracerProvider = tp
		}
	}
}

// WithMetricsRegistry sets the registry scheduler and lifecycle metrics are
// registered on.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(a *Application) {
		if reg != nil {
			a.metrics = reg
		}
	}
}

// WithPluginObjects loads shared-object plugins from paths and registers them.
func WithPluginObjects(paths ...string) Option {
	return func(a *Application) {
		a.pluginObjects = append(a.pluginObjects, paths...)
	}
}

// WithLoader overrides the shared-object loader used by WithPluginObjects.
func WithLoader(l plugin.Loader) Option {
	return func(a *Application) {
		if l != nil {
			a.loader = l
		}
	}
}

// WithWorkers bounds the reactor worker pool.
func WithWorkers(n int) Option {
	return func(a *Application) {
		if n > 0 {
			a.workers = n
		}
	}
}
