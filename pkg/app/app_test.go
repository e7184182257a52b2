package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	xerrors "appbase/internal/errors"
	"appbase/internal/observability/alerting"
	"appbase/pkg/logger"
	"appbase/pkg/options"
	"appbase/pkg/plugin"
	"appbase/pkg/reactor"
)

type journal struct {
	mu     sync.Mutex
	events map[plugin.Hook][]string
}

func (j *journal) add(h plugin.Hook, name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.events == nil {
		j.events = make(map[plugin.Hook][]string)
	}
	j.events[h] = append(j.events[h], name)
}

func (j *journal) get(h plugin.Hook) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events[h]...)
}

type fakePlugin struct {
	plugin.Base
	log       *journal
	failStart bool
	failStop  bool
	onStart   func(ctx *plugin.Context) error
	greeting  string
	verbose   bool
}

func newFakePlugin(j *journal, name string, requires ...string) *fakePlugin {
	return &fakePlugin{Base: plugin.NewBase(name, requires...), log: j}
}

func (p *fakePlugin) DeclareOptions(cli, cfg *options.Set) {
	cfg.String(p.Name()+"-greeting", "hello", "Greeting printed by "+p.Name())
	cli.Bool(p.Name()+"-verbose", false, "Verbose output")
}

func (p *fakePlugin) Configure(ctx *plugin.Context) error {
	p.log.add(plugin.HookConfigure, p.Name())
	p.greeting = ctx.Options.String(p.Name() + "-greeting")
	p.verbose = ctx.Options.Bool(p.Name() + "-verbose")
	return nil
}

func (p *fakePlugin) Start(ctx *plugin.Context) error {
	p.log.add(plugin.HookStart, p.Name())
	if p.failStart {
		return errors.New(p.Name() + " cannot bind")
	}
	if p.onStart != nil {
		return p.onStart(ctx)
	}
	return nil
}

func (p *fakePlugin) Stop(*plugin.Context) error {
	p.log.add(plugin.HookStop, p.Name())
	if p.failStop {
		return errors.New(p.Name() + " cannot flush")
	}
	return nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, ev alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

type ApplicationSuite struct {
	suite.Suite
	dataDir   string
	configDir string
	out       *bytes.Buffer
	alerts    *recordingDispatcher
	journal   *journal
}

func TestApplicationSuite(t *testing.T) {
	suite.Run(t, new(ApplicationSuite))
}

func (s *ApplicationSuite) SetupTest() {
	dir := s.T().TempDir()
	s.dataDir = filepath.Join(dir, "data")
	s.configDir = filepath.Join(dir, "config")
	s.out = &bytes.Buffer{}
	s.alerts = &recordingDispatcher{}
	s.journal = &journal{}
}

func (s *ApplicationSuite) newApp(opts ...Option) *Application {
	base := []Option{
		WithName("appbased"),
		WithLogger(logger.Discard()),
		WithOutput(s.out),
		WithSignals(),
		WithAlertDispatcher(s.alerts),
		WithDefaultDataDir(s.dataDir),
		WithDefaultConfigDir(s.configDir),
	}
	a, err := New(append(base, opts...)...)
	s.Require().NoError(err)
	return a
}

func (s *ApplicationSuite) runAsync(a *Application, ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()
	return errCh
}

func (s *ApplicationSuite) wait(errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		s.FailNow("application did not stop in time")
		return nil
	}
}

func (s *ApplicationSuite) TestEndToEndOrdering() {
	a := s.newApp()
	b := newFakePlugin(s.journal, "b")
	top := newFakePlugin(s.journal, "a", "b")
	top.onStart = func(ctx *plugin.Context) error {
		return ctx.Reactor.Post(reactor.Low, func() error {
			a.RequestStop()
			return nil
		})
	}
	s.Require().NoError(a.Register(b))
	s.Require().NoError(a.Register(top))

	ctx := context.Background()
	s.Require().NoError(a.Configure(ctx, nil, "a"))
	s.Equal(StateConfigured, a.State())
	s.Require().NoError(a.Start(ctx))
	s.Equal(StateRunning, a.State())
	s.Require().NoError(s.wait(s.runAsync(a, ctx)))

	s.Equal([]string{"b", "a"}, s.journal.get(plugin.HookConfigure))
	s.Equal([]string{"b", "a"}, s.journal.get(plugin.HookStart))
	s.Equal([]string{"a", "b"}, s.journal.get(plugin.HookStop))
	s.Equal(StateTerminated, a.State())
	s.Nil(a.FindPlugin("a"), "registry is released after shutdown")
}

func (s *ApplicationSuite) TestPluginOptionAcceptsSeparators() {
	a := s.newApp()
	for _, name := range []string{"net", "chain", "http", "idle"} {
		s.Require().NoError(a.Register(newFakePlugin(s.journal, name)))
	}
	err := a.Configure(context.Background(), []string{"--plugin", "net chain", "--plugin", "http,\tnet"})
	s.Require().NoError(err)
	s.Equal([]string{"net", "chain", "http"}, a.Registry().Initialized())

	state, err := a.Registry().State("idle")
	s.Require().NoError(err)
	s.Equal(plugin.StateRegistered, state)
}

func (s *ApplicationSuite) TestUnknownPluginFailsConfiguration() {
	a := s.newApp()
	s.Require().NoError(a.Register(newFakePlugin(s.journal, "net")))

	err := a.Configure(context.Background(), []string{"--plugin", "net,ghost"})
	s.Require().ErrorIs(err, plugin.ErrPluginNotFound)
	s.Equal(ExitConfigureError, ExitCode(err))
	s.NotEqual(StateConfigured, a.State())
	s.ErrorIs(a.Start(context.Background()), xerrors.New(xerrors.CodeInvalidState, ""))
	s.Empty(s.journal.get(plugin.HookStart))
}

func (s *ApplicationSuite) TestHelpVersionAndDefaultConfigExit() {
	cases := map[string]string{
		"--help":                 "Config Options for net:",
		"--version":              "1.4.2",
		"--print-default-config": "# net-greeting: \"hello\"",
	}
	for arg, want := range cases {
		s.out.Reset()
		a := s.newApp(WithVersionString("1.4.2"))
		s.Require().NoError(a.Register(newFakePlugin(s.journal, "net")))

		err := a.Configure(context.Background(), []string{arg})
		s.Require().ErrorIs(err, ErrExitRequested, arg)
		s.Equal(ExitOK, ExitCode(err))
		s.Contains(s.out.String(), want, arg)
	}
	s.Empty(s.journal.get(plugin.HookConfigure))
}

func (s *ApplicationSuite) TestDefaultConfigWrittenWhenMissing() {
	a := s.newApp()
	s.Require().NoError(a.Register(newFakePlugin(s.journal, "net")))
	s.Require().NoError(a.Configure(context.Background(), nil))

	raw, err := os.ReadFile(filepath.Join(s.configDir, "config.yaml"))
	s.Require().NoError(err)
	s.Contains(string(raw), "# Greeting printed by net (net)")
	s.Contains(string(raw), "# plugin: []")
	s.Equal(s.dataDir, a.DataDir())
	s.Equal(s.configDir, a.ConfigDir())
	s.Equal(filepath.Join(s.configDir, "logging.yaml"), a.LoggingConf())
}

func (s *ApplicationSuite) TestMissingExplicitConfigFails() {
	a := s.newApp()
	err := a.Configure(context.Background(), []string{"--config", "other.yaml"})
	s.Require().Error(err)
	s.True(xerrors.HasCode(err, xerrors.CodeOptionsFailure))
}

func (s *ApplicationSuite) TestConfigFileAndCommandLineReachPlugins() {
	s.Require().NoError(os.MkdirAll(s.configDir, 0o755))
	cfg := "plugin:\n  - net\nnet-greeting: bonjour\n"
	s.Require().NoError(os.WriteFile(filepath.Join(s.configDir, "config.yaml"), []byte(cfg), 0o644))

	a := s.newApp()
	net := newFakePlugin(s.journal, "net")
	s.Require().NoError(a.Register(net))
	s.Require().NoError(a.Configure(context.Background(), []string{"--net-verbose"}))

	s.Equal("bonjour", net.greeting)
	s.True(net.verbose)
	s.Equal([]string{"net"}, a.Registry().Initialized())
}

func (s *ApplicationSuite) TestStartFailureRollsBack() {
	a := s.newApp()
	bad := newFakePlugin(s.journal, "c")
	bad.failStart = true
	s.Require().NoError(a.Register(newFakePlugin(s.journal, "a")))
	s.Require().NoError(a.Register(newFakePlugin(s.journal, "b")))
	s.Require().NoError(a.Register(bad))

	ctx := context.Background()
	s.Require().NoError(a.Configure(ctx, []string{"--plugin", "a,b,c"}))
	err := a.Start(ctx)
	s.Require().ErrorIs(err, plugin.ErrStartFailed)
	s.Equal(ExitStartError, ExitCode(err))

	s.Equal([]string{"b", "a"}, s.journal.get(plugin.HookStop))
	s.Equal(StateTerminated, a.State())
	s.ErrorIs(a.Run(ctx), xerrors.New(xerrors.CodeInvalidState, ""))

	s.Require().Len(s.alerts.events, 1)
	s.Equal(xerrors.CodeStartFailed, s.alerts.events[0].Code)
	s.Equal("c", s.alerts.events[0].Plugin)
	s.Equal(a.InstanceID(), s.alerts.events[0].Instance)
}

func (s *ApplicationSuite) TestTaskFailureTearsDownThenPropagates() {
	a := s.newApp()
	worker := newFakePlugin(s.journal, "worker")
	boom := errors.New("corrupt block")
	worker.onStart = func(ctx *plugin.Context) error {
		return ctx.Reactor.Post(reactor.Medium, func() error { return boom })
	}
	s.Require().NoError(a.Register(worker))

	ctx := context.Background()
	s.Require().NoError(a.Configure(ctx, nil, "worker"))
	err := a.Exec(ctx)
	s.Require().ErrorIs(err, reactor.ErrTaskFailed)
	s.ErrorIs(err, boom)
	s.Equal(ExitRunError, ExitCode(err))
	s.Equal([]string{"worker"}, s.journal.get(plugin.HookStop))
	s.Equal(StateTerminated, a.State())
}

func (s *ApplicationSuite) TestStopRequestOvertakesQueuedWork() {
	a := s.newApp()
	var lowRan bool
	p := newFakePlugin(s.journal, "p")
	p.onStart = func(ctx *plugin.Context) error {
		if err := ctx.Reactor.Post(reactor.Low, func() error {
			lowRan = true
			return nil
		}); err != nil {
			return err
		}
		a.RequestStop()
		return nil
	}
	s.Require().NoError(a.Register(p))
	ctx := context.Background()
	s.Require().NoError(a.Configure(ctx, nil, "p"))
	s.Require().NoError(a.Exec(ctx))
	s.False(lowRan)
}

func (s *ApplicationSuite) TestStopFailureAfterRequestedStopExitsCleanly() {
	a := s.newApp()
	flaky := newFakePlugin(s.journal, "flaky")
	flaky.failStop = true
	s.Require().NoError(a.Register(flaky))
	s.Require().NoError(a.Register(newFakePlugin(s.journal, "steady", "flaky")))

	ctx := context.Background()
	s.Require().NoError(a.Configure(ctx, nil, "steady"))
	s.Require().NoError(a.Start(ctx))
	a.RequestStop()
	err := s.wait(s.runAsync(a, ctx))

	s.Require().ErrorIs(err, plugin.ErrStopFailed)
	s.Equal(ExitOK, ExitCode(err))
	s.Equal([]string{"steady", "flaky"}, s.journal.get(plugin.HookStop))
	s.Equal(StateTerminated, a.State())

	s.alerts.mu.Lock()
	defer s.alerts.mu.Unlock()
	s.Require().Len(s.alerts.events, 1)
	s.Equal("flaky", s.alerts.events[0].Plugin)
}

func (s *ApplicationSuite) TestContextCancellationStops() {
	a := s.newApp()
	s.Require().NoError(a.Register(newFakePlugin(s.journal, "p")))
	ctx, cancel := context.WithCancel(context.Background())
	s.Require().NoError(a.Configure(ctx, nil, "p"))
	s.Require().NoError(a.Start(ctx))

	errCh := s.runAsync(a, ctx)
	cancel()
	s.Require().NoError(s.wait(errCh))
	s.Equal([]string{"p"}, s.journal.get(plugin.HookStop))
}

func (s *ApplicationSuite) TestSignalRequestsStop() {
	a := s.newApp(WithSignals(syscall.SIGUSR1))
	started := make(chan struct{})
	p := newFakePlugin(s.journal, "p")
	p.onStart = func(ctx *plugin.Context) error {
		return ctx.Reactor.Post(reactor.Low, func() error {
			close(started)
			return nil
		})
	}
	s.Require().NoError(a.Register(p))
	ctx := context.Background()
	s.Require().NoError(a.Configure(ctx, nil, "p"))
	s.Require().NoError(a.Start(ctx))

	errCh := s.runAsync(a, ctx)
	<-started
	s.Require().NoError(syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	s.Require().NoError(s.wait(errCh))
	s.Equal([]string{"p"}, s.journal.get(plugin.HookStop))
}

func (s *ApplicationSuite) TestLoggingConfigIsApplied() {
	s.Require().NoError(os.MkdirAll(s.configDir, 0o755))
	logconf := "level: debug\noutputs: [discard]\naudit:\n  enabled: true\n  path: audit.log\n"
	s.Require().NoError(os.WriteFile(filepath.Join(s.configDir, "logging.yaml"), []byte(logconf), 0o644))

	a := s.newApp()
	s.Require().NoError(a.Register(newFakePlugin(s.journal, "net")))
	ctx := context.Background()
	s.Require().NoError(a.Configure(ctx, nil, "net"))
	s.Require().NoError(a.Start(ctx))
	a.RequestStop()
	s.Require().NoError(a.Run(ctx))

	raw, err := os.ReadFile(filepath.Join(s.configDir, "audit.log"))
	s.Require().NoError(err)
	s.Contains(string(raw), "plugin started")
	s.Contains(string(raw), "plugin stopped")
}

func (s *ApplicationSuite) TestRegisterAfterConfigureRejected() {
	a := s.newApp()
	s.Require().NoError(a.Configure(context.Background(), nil))
	err := a.Register(newFakePlugin(s.journal, "late"))
	s.True(xerrors.HasCode(err, xerrors.CodeInvalidState))
	s.True(xerrors.HasCode(a.Configure(context.Background(), nil), xerrors.CodeInvalidState))
}

func (s *ApplicationSuite) TestFactoriesAndLookup() {
	if _, ok := plugin.LookupFactory("app-test-factory"); !ok {
		plugin.RegisterFactory("app-test-factory", func() plugin.Plugin { return newFakePlugin(&journal{}, "app-test-factory") })
	}
	a := s.newApp()
	s.Require().NoError(a.RegisterFactories("app-test-factory"))
	s.NotNil(a.FindPlugin("app-test-factory"))
	_, err := a.GetPlugin("missing")
	s.ErrorIs(err, plugin.ErrPluginNotFound)
	s.True(xerrors.HasCode(a.RegisterFactories("no-such-factory"), xerrors.CodePluginNotFound))
}

type stubLoader struct{ name string }

func (l stubLoader) Load(string) (plugin.Factory, error) {
	return func() plugin.Plugin { return plugin.NewBase(l.name) }, nil
}

func (s *ApplicationSuite) TestPluginObjectsRegistered() {
	a := s.newApp(WithLoader(stubLoader{name: "echo"}), WithPluginObjects("/opt/plugins/echo.so"))
	s.NotNil(a.FindPlugin("echo"))
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{ErrExitRequested, ExitOK},
		{xerrors.New(xerrors.CodeOptionsFailure, "bad flag"), ExitConfigureError},
		{xerrors.New(xerrors.CodeDependencyCycle, "a -> a"), ExitConfigureError},
		{errors.Join(xerrors.New(xerrors.CodeStartFailed, ""), xerrors.New(xerrors.CodeStopFailed, "")), ExitStartError},
		{xerrors.New(xerrors.CodeTaskFailed, ""), ExitRunError},
		{xerrors.New(xerrors.CodeStopFailed, ""), ExitOK},
		{errors.Join(xerrors.New(xerrors.CodeTaskFailed, ""), xerrors.New(xerrors.CodeStopFailed, "")), ExitRunError},
		{errors.New("plain"), ExitConfigureError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExitCode(tc.err), "%v", tc.err)
	}
}

func TestRequestedPlugins(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, requestedPlugins([]string{" a,b", "\tc,"}))
	require.Empty(t, requestedPlugins(nil))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "shutting_down", StateShuttingDown.String())
	assert.Equal(t, "state(9)", State(9).String())
}
