package app

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	xerrors "appbase/internal/errors"
	"appbase/internal/observability/alerting"
	"appbase/pkg/logger"
	"appbase/pkg/options"
	"appbase/pkg/plugin"
	"appbase/pkg/reactor"
)

const (
	optPlugin             = "plugin"
	optHelp               = "help"
	optVersion            = "version"
	optPrintDefaultConfig = "print-default-config"
	optDataDir            = "data-dir"
	optConfigDir          = "config-dir"
	optConfig             = "config"
	optLogconf            = "logconf"

	defaultConfigFile = "config.yaml"
)

// Configure declares every plugin's options, parses args (without the program
// name) and the config file, then resolves each plugin named by --plugin and
// each autostart plugin together with their dependencies. On failure the
// application is torn down and cannot be started.
func (a *Application) Configure(ctx context.Context, args []string, autostart ...string) (err error) {
	if a.State() != StateCreated || a.parser != nil {
		return xerrors.New(xerrors.CodeInvalidState, "configure called twice")
	}
	ctx, span := a.tracer.Start(ctx, "app.configure")
	defer span.End()
	defer func() {
		if err != nil {
			if !xerrors.HasCode(err, xerrors.CodeExitRequested) {
				span.RecordError(err)
				a.log.Error("failed to initialize", slog.Any("error", err))
				a.notify(ctx, err)
			}
			a.teardown()
		}
	}()

	if err := a.declareOptions(); err != nil {
		return err
	}
	if err := a.parser.ParseArgs(args); err != nil {
		return err
	}
	a.values = a.parser.Values()

	switch {
	case a.values.Bool(optHelp):
		if err := a.parser.WriteUsage(a.out); err != nil {
			return err
		}
		return ErrExitRequested
	case a.values.Bool(optVersion):
		fmt.Fprintln(a.out, a.VersionString())
		return ErrExitRequested
	case a.values.Bool(optPrintDefaultConfig):
		if err := a.parser.WriteDefaultConfig(a.out); err != nil {
			return err
		}
		return ErrExitRequested
	}

	if err := a.resolveDirs(); err != nil {
		return err
	}
	if err := a.applyLogging(); err != nil {
		return err
	}
	if err := a.loadConfigFile(); err != nil {
		return err
	}

	a.registry.SetEnvironment(plugin.Environment{
		Options:   a.values,
		Reactor:   a.reactor,
		Logger:    a.log,
		DataDir:   a.dataDir,
		ConfigDir: a.configDir,
		Instance:  a.instance,
		Metrics:   a.metrics,
	})

	for _, name := range requestedPlugins(a.values.StringSlice(optPlugin)) {
		if err := a.registry.Resolve(ctx, name); err != nil {
			return err
		}
	}
	for _, name := range autostart {
		if err := a.registry.Resolve(ctx, name); err != nil {
			return err
		}
	}

	a.state.Store(int32(StateConfigured))
	a.log.Info("application configured",
		slog.String("instance", a.instance),
		slog.String("data_dir", a.dataDir),
		slog.Any("plugins", a.registry.Initialized()))
	return nil
}

func (a *Application) declareOptions() error {
	a.parser = options.NewParser(a.name)
	for _, p := range a.registry.Plugins() {
		cli := options.NewSet("Command Line Options for " + p.Name())
		cfg := options.NewSet("Config Options for " + p.Name())
		p.DeclareOptions(cli, cfg)
		if err := a.parser.Add(p.Name(), cfg, true); err != nil {
			return err
		}
		if err := a.parser.Add(p.Name(), cli, false); err != nil {
			return err
		}
	}

	appCfg := options.NewSet("Application Config Options")
	appCfg.StringSlice(optPlugin, nil, "Plugin(s) to enable, may be specified multiple times")

	appCLI := options.NewSet("Application Command Line Options")
	appCLI.BoolP(optHelp, "h", false, "Print this help message and exit.")
	appCLI.BoolP(optVersion, "v", false, "Print version information.")
	appCLI.Bool(optPrintDefaultConfig, false, "Print default configuration template")
	appCLI.StringP(optDataDir, "d", "", "Directory containing program runtime data")
	appCLI.String(optConfigDir, "", "Directory containing configuration files such as "+defaultConfigFile)
	appCLI.StringP(optConfig, "c", defaultConfigFile, "Configuration file name relative to config-dir")
	appCLI.StringP(optLogconf, "l", "logging.yaml", "Logging configuration file name/path for library users")

	if err := a.parser.Add("", appCfg, true); err != nil {
		return err
	}
	return a.parser.Add("", appCLI, false)
}

func (a *Application) resolveDirs() error {
	dataDir := a.defaultDataDir
	if v := a.values.String(optDataDir); v != "" {
		dataDir = v
	}
	configDir := a.defaultConfigDir
	if v := a.values.String(optConfigDir); v != "" {
		configDir = v
	}
	var err error
	if a.dataDir, err = filepath.Abs(dataDir); err != nil {
		return xerrors.Wrap(xerrors.CodeOptionsFailure, err, "resolve data-dir")
	}
	if a.configDir, err = filepath.Abs(configDir); err != nil {
		return xerrors.Wrap(xerrors.CodeOptionsFailure, err, "resolve config-dir")
	}
	a.loggingConf = a.values.String(optLogconf)
	if !filepath.IsAbs(a.loggingConf) {
		a.loggingConf = filepath.Join(a.configDir, a.loggingConf)
	}
	return nil
}

func (a *Application) applyLogging() error {
	cfg, found, err := logger.LoadConfig(a.loggingConf)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeOptionsFailure, err, "load logging config")
	}
	if !found {
		return nil
	}
	l, err := logger.New(cfg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeOptionsFailure, err, "build loggers")
	}
	a.loggers = l
	a.log = l.Default.With(slog.String("component", "app"))
	a.audit = l.Audit
	a.registry.SetLoggers(l.Default.With(slog.String("component", "plugins")), l.Audit)
	if a.defaultAlerts {
		a.alerts = alerting.NewFanout(&alerting.LogNotifier{Logger: a.log})
	}
	return nil
}

func (a *Application) loadConfigFile() error {
	path := a.values.String(optConfig)
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.configDir, path)
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return xerrors.Wrap(xerrors.CodeOptionsFailure, err, "stat config file")
		}
		if path != filepath.Join(a.configDir, defaultConfigFile) {
			return xerrors.New(xerrors.CodeOptionsFailure, "config file "+path+" missing")
		}
		if err := a.writeDefaultConfig(path); err != nil {
			return err
		}
	}

	redundant, err := a.parser.ParseConfig(path)
	if err != nil {
		return err
	}
	if len(redundant) > 0 {
		a.log.Warn("config items are redundantly set to their default value; explicit values will override future changes to defaults",
			slog.String("path", path),
			slog.String("items", strings.Join(redundant, ", ")))
	}
	return nil
}

func (a *Application) writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeOptionsFailure, err, "create config dir")
	}
	f, err := os.Create(path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeOptionsFailure, err, "create default config")
	}
	if err := a.parser.WriteDefaultConfig(f); err != nil {
		_ = f.Close()
		return xerrors.Wrap(xerrors.CodeOptionsFailure, err, "write default config")
	}
	if err := f.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeOptionsFailure, err, "write default config")
	}
	a.log.Info("wrote default config", slog.String("path", path))
	return nil
}

// requestedPlugins splits every --plugin value on spaces, tabs and commas.
func requestedPlugins(values []string) []string {
	var names []string
	for _, v := range values {
		names = append(names, strings.FieldsFunc(v, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ','
		})...)
	}
	return names
}

// Start starts every initialized plugin in dependency order. On failure the
// started plugins have already been stopped, the application is torn down
// and the error is returned.
func (a *Application) Start(ctx context.Context) error {
	if a.State() != StateConfigured {
		return xerrors.New(xerrors.CodeInvalidState, "start requires a configured application")
	}
	ctx, span := a.tracer.Start(ctx, "app.start")
	defer span.End()

	if err := a.registry.StartAll(ctx); err != nil {
		span.RecordError(err)
		a.log.Error("failed to start", slog.Any("error", err))
		a.notify(ctx, err)
		a.teardown()
		return err
	}
	a.state.Store(int32(StateRunning))
	a.log.Info("application started", slog.Any("plugins", a.registry.Started()))
	return nil
}

// Run drives the event loop until a stop is requested, a signal arrives, ctx
// is cancelled or a task fails. Every started plugin is stopped before Run
// returns. A task failure is returned after that teardown, joined with any
// stop failures.
func (a *Application) Run(ctx context.Context) error {
	if a.State() != StateRunning {
		return xerrors.New(xerrors.CodeInvalidState, "run requires a started application")
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	var sigCh chan os.Signal
	if len(a.signals) > 0 {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, a.signals...)
		defer signal.Stop(sigCh)
	}
	go func() {
		select {
		case sig := <-sigCh:
			a.log.Info("received signal, stopping", slog.String("signal", sig.String()))
			a.RequestStop()
		case <-ctx.Done():
			a.RequestStop()
		case <-watchDone:
		}
	}()

	runErr := a.reactor.Run()
	if runErr != nil {
		a.log.Error("event loop failed", slog.Any("error", runErr))
		a.notify(ctx, runErr)
	}
	stopErr := a.shutdown(context.WithoutCancel(ctx))
	if runErr != nil {
		if stopErr != nil {
			return stdErrors.Join(runErr, stopErr)
		}
		return runErr
	}
	return stopErr
}

// Exec starts the application and runs it until it stops.
func (a *Application) Exec(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	return a.Run(ctx)
}

// RequestStop asks the event loop to exit by posting a highest priority task.
// It is safe to call from any goroutine and more than once.
func (a *Application) RequestStop() {
	if a.stopRequested.Swap(true) {
		return
	}
	if err := a.reactor.Post(reactor.Highest, func() error {
		a.reactor.Stop()
		return nil
	}); err != nil {
		a.reactor.Stop()
	}
}

func (a *Application) shutdown(ctx context.Context) error {
	a.state.Store(int32(StateShuttingDown))
	ctx, span := a.tracer.Start(ctx, "app.shutdown")
	defer span.End()

	err := a.registry.StopAll(ctx)
	if err != nil {
		span.RecordError(err)
		a.notify(ctx, err)
	}
	a.log.Info("application stopped", slog.String("instance", a.instance))
	a.teardown()
	return err
}

func (a *Application) teardown() {
	a.registry.Clear()
	a.reactor.Close()
	if a.loggers != nil {
		_ = a.loggers.Close()
		a.loggers = nil
	}
	a.state.Store(int32(StateTerminated))
}

// notify dispatches an alert for every alert-worthy error in err.
func (a *Application) notify(ctx context.Context, err error) {
	for _, e := range leafErrors(err) {
		if !xerrors.ShouldAlert(e) {
			continue
		}
		if nerr := a.alerts.Notify(ctx, alerting.EventFromError(e, a.instance)); nerr != nil {
			a.log.Warn("alert dispatch failed", slog.Any("error", nerr))
		}
	}
}

func leafErrors(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, leafErrors(e)...)
		}
		return out
	}
	return []error{err}
}
