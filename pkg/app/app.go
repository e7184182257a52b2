// Package app is the composition root: it owns the plugin registry and the
// event loop, drives option parsing, and sequences configure, start, run and
// shutdown for the whole process.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	xerrors "appbase/internal/errors"
	"appbase/internal/observability/alerting"
	"appbase/internal/observability/metrics"
	"appbase/pkg/logger"
	"appbase/pkg/options"
	"appbase/pkg/plugin"
	"appbase/pkg/reactor"
)

// ErrExitRequested is returned by Configure after help, version or the
// default config was printed. The process should exit successfully.
var ErrExitRequested = xerrors.New(xerrors.CodeExitRequested, "")

// State is the process lifecycle position of an Application.
type State int32

const (
	StateCreated State = iota
	StateConfigured
	StateRunning
	StateShuttingDown
	StateTerminated
)

var stateNames = [...]string{"created", "configured", "running", "shutting_down", "terminated"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// Application owns one plugin registry and one event loop.
type Application struct {
	name          string
	version       uint64
	versionString string

	defaultDataDir   string
	defaultConfigDir string
	dataDir          string
	configDir        string
	loggingConf      string

	out            io.Writer
	signals        []os.Signal
	log            *slog.Logger
	audit          *slog.Logger
	loggers        *logger.Loggers
	alerts         alerting.Dispatcher
	defaultAlerts  bool
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	metrics        *prometheus.Registry
	pluginObjects  []string
	loader         plugin.Loader
	workers        int
	instance       string

	state         atomic.Int32
	stopRequested atomic.Bool

	registry *plugin.Registry
	reactor  *reactor.Reactor
	parser   *options.Parser
	values   options.Values
}

// New constructs an Application in the created state. Plugins must be
// registered before Configure.
func New(opts ...Option) (*Application, error) {
	a := &Application{
		name:             "appbase",
		defaultDataDir:   "data-dir",
		defaultConfigDir: "config-dir",
		out:              os.Stdout,
		signals:          []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGPIPE},
		tracerProvider:   noop.NewTracerProvider(),
		loader:           plugin.GoPluginLoader{},
		instance:         uuid.NewString(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.log == nil {
		a.log = logger.Named("app")
		a.audit = logger.Audit()
	}
	if a.metrics == nil {
		a.metrics = metrics.NewRegistry()
	}
	if a.alerts == nil {
		a.alerts = alerting.NewFanout(&alerting.LogNotifier{Logger: a.log})
		a.defaultAlerts = true
	}
	a.tracer = a.tracerProvider.Tracer("appbase/app")

	scheduler, err := metrics.NewScheduler(a.metrics)
	if err != nil {
		return nil, fmt.Errorf("register scheduler metrics: %w", err)
	}
	lifecycle, err := metrics.NewLifecycle(a.metrics)
	if err != nil {
		return nil, fmt.Errorf("register lifecycle metrics: %w", err)
	}

	ropts := []reactor.Option{
		reactor.WithObserver(scheduler),
		reactor.WithLogger(a.log.With(slog.String("component", "reactor"))),
	}
	if a.workers > 0 {
		ropts = append(ropts, reactor.WithWorkers(a.workers))
	}
	a.reactor, err = reactor.New(ropts...)
	if err != nil {
		return nil, err
	}
	a.registry = plugin.NewRegistry(
		plugin.WithLogger(a.log.With(slog.String("component", "plugins"))),
		plugin.WithAuditLogger(a.audit),
		plugin.WithObserver(lifecycle),
		plugin.WithTracer(a.tracerProvider.Tracer("appbase/plugin")),
	)

	for _, path := range a.pluginObjects {
		factory, err := a.loader.Load(path)
		if err != nil {
			a.reactor.Close()
			return nil, err
		}
		if err := a.Register(factory()); err != nil {
			a.reactor.Close()
			return nil, err
		}
		a.log.Info("loaded plugin object", slog.String("path", path))
	}
	return a, nil
}

// Register adds p to the registry. It is only valid before Configure.
func (a *Application) Register(p plugin.Plugin) error {
	if a.State() != StateCreated {
		return xerrors.New(xerrors.CodeInvalidState, "plugins must be registered before configure")
	}
	return a.registry.Register(p)
}

// RegisterFactories creates and registers the named plugins from the
// process-wide factory table. Without names every known factory is used.
func (a *Application) RegisterFactories(names ...string) error {
	if len(names) == 0 {
		names = plugin.Factories()
	}
	for _, name := range names {
		f, ok := plugin.LookupFactory(name)
		if !ok {
			return xerrors.New(xerrors.CodePluginNotFound, fmt.Sprintf("no factory for plugin %s", name), xerrors.WithPlugin(name))
		}
		if err := a.Register(f()); err != nil {
			return err
		}
	}
	return nil
}

// State returns the current process state.
func (a *Application) State() State { return State(a.state.Load()) }

// Name returns the program name.
func (a *Application) Name() string { return a.name }

// Version returns the numeric version.
func (a *Application) Version() uint64 { return a.version }

// VersionString returns the text printed by --version.
func (a *Application) VersionString() string {
	if a.versionString != "" {
		return a.versionString
	}
	return strconv.FormatUint(a.version, 10)
}

// InstanceID returns the random identifier of this process.
func (a *Application) InstanceID() string { return a.instance }

// DataDir returns the absolute data directory, valid after Configure.
func (a *Application) DataDir() string { return a.dataDir }

// ConfigDir returns the absolute config directory, valid after Configure.
func (a *Application) ConfigDir() string { return a.configDir }

// LoggingConf returns the resolved logging config path, valid after Configure.
func (a *Application) LoggingConf() string { return a.loggingConf }

// Options returns the parsed options, nil before Configure.
func (a *Application) Options() options.Values { return a.values }

// Registry exposes the plugin registry.
func (a *Application) Registry() *plugin.Registry { return a.registry }

// Reactor exposes the event loop.
func (a *Application) Reactor() *reactor.Reactor { return a.reactor }

// Metrics returns the metric registry.
func (a *Application) Metrics() *prometheus.Registry { return a.metrics }

// Logger returns the application logger.
func (a *Application) Logger() *slog.Logger { return a.log }

// FindPlugin returns the named plugin or nil.
func (a *Application) FindPlugin(name string) plugin.Plugin {
	return a.registry.Find(name)
}

// GetPlugin returns the named plugin or a not-found error.
func (a *Application) GetPlugin(name string) (plugin.Plugin, error) {
	return a.registry.Get(name)
}
