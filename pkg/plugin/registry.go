package plugin

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	xerrors "appbase/internal/errors"
	"appbase/pkg/logger"
)

// Sentinels matched through errors.Is against errors returned by the registry.
var (
	ErrDuplicatePlugin = xerrors.New(xerrors.CodeDuplicatePlugin, "")
	ErrPluginNotFound  = xerrors.New(xerrors.CodePluginNotFound, "")
	ErrDependencyCycle = xerrors.New(xerrors.CodeDependencyCycle, "")
	ErrConfigureFailed = xerrors.New(xerrors.CodeConfigureFailed, "")
	ErrStartFailed     = xerrors.New(xerrors.CodeStartFailed, "")
	ErrStopFailed      = xerrors.New(xerrors.CodeStopFailed, "")
)

// Observer receives lifecycle events, typically to export metrics or raise alerts.
type Observer interface {
	StateChanged(name string, state State)
	HookFinished(name string, hook Hook, elapsed time.Duration, err error)
}

// Option modifies the behaviour of a registry.
type Option func(*Registry)

// WithLogger overrides the logger used for lifecycle diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithAuditLogger sets the logger that receives one record per state change.
func WithAuditLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.audit = l
		}
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithTracer wraps every hook invocation in a span.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) {
		if t != nil {
			r.tracer = t
		}
	}
}

type entry struct {
	plugin Plugin
	state  State
}

// Registry keeps track of registered plugins and orchestrates their lifecycle.
//
// A registry is driven from a single goroutine: configure and start run on
// the caller before the event loop, stop runs after it. It performs no
// locking of its own.
type Registry struct {
	entries     map[string]*entry
	order       []string
	initialized []string
	started     []string

	env       Environment
	observers []Observer
	tracer    trace.Tracer
	log       *slog.Logger
	audit     *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		tracer:  noop.NewTracerProvider().Tracer("appbase/plugin"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.log == nil {
		r.log = logger.Named("plugins")
	}
	if r.audit == nil {
		r.audit = logger.Audit()
	}
	return r
}

// SetEnvironment sets the services passed to hooks from now on.
func (r *Registry) SetEnvironment(env Environment) {
	r.env = env
}

// SetLoggers replaces the diagnostic and audit loggers. Nil values are ignored.
func (r *Registry) SetLoggers(log, audit *slog.Logger) {
	if log != nil {
		r.log = log
	}
	if audit != nil {
		r.audit = audit
	}
}

// Register adds a plugin in the registered state.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin implementation cannot be nil")
	}
	name := p.Name()
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin name cannot be empty")
	}
	if _, exists := r.entries[name]; exists {
		return xerrors.New(xerrors.CodeDuplicatePlugin, fmt.Sprintf("plugin %s already registered", name), xerrors.WithPlugin(name))
	}
	e := &entry{plugin: p}
	r.entries[name] = e
	r.order = append(r.order, name)
	r.setState(name, e, StateRegistered)
	return nil
}

// Resolve configures the named plugin after recursively configuring every
// plugin it requires. Plugins already past the registered state are left alone.
func (r *Registry) Resolve(ctx context.Context, name string) error {
	return r.resolve(ctx, name, nil)
}

func (r *Registry) resolve(ctx context.Context, name string, path []string) error {
	e, ok := r.entries[name]
	if !ok {
		opts := []xerrors.Option{xerrors.WithPlugin(name)}
		if len(path) > 0 {
			opts = append(opts, xerrors.WithMetadata("required_by", path[len(path)-1]))
		}
		return xerrors.New(xerrors.CodePluginNotFound, fmt.Sprintf("plugin %s not registered", name), opts...)
	}
	if e.state != StateRegistered {
		return nil
	}
	if idx := slices.Index(path, name); idx >= 0 {
		cycle := strings.Join(append(slices.Clone(path[idx:]), name), " -> ")
		return xerrors.New(xerrors.CodeDependencyCycle, "dependency cycle: "+cycle,
			xerrors.WithPlugin(name), xerrors.WithMetadata("cycle", cycle))
	}

	path = append(path, name)
	for _, dep := range e.plugin.Requires() {
		if err := r.resolve(ctx, dep, path); err != nil {
			return err
		}
	}
	if err := r.runHook(ctx, name, e, HookConfigure); err != nil {
		return xerrors.Wrap(xerrors.CodeConfigureFailed, err, fmt.Sprintf("configure plugin %s", name), xerrors.WithPlugin(name))
	}
	r.setState(name, e, StateInitialized)
	r.initialized = append(r.initialized, name)
	return nil
}

// StartAll starts every initialized plugin in initialization order. When a
// plugin fails to start, every plugin started so far is stopped in reverse
// order before the error is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, name := range r.initialized {
		e := r.entries[name]
		if e.state != StateInitialized {
			continue
		}
		if err := r.runHook(ctx, name, e, HookStart); err != nil {
			startErr := xerrors.Wrap(xerrors.CodeStartFailed, err, fmt.Sprintf("start plugin %s", name), xerrors.WithPlugin(name))
			r.log.Error("plugin failed to start, rolling back", slog.String("plugin", name), slog.Any("error", err))
			if rollbackErr := r.StopAll(ctx); rollbackErr != nil {
				return stdErrors.Join(startErr, rollbackErr)
			}
			return startErr
		}
		r.setState(name, e, StateStarted)
		r.started = append(r.started, name)
	}
	return nil
}

// StopAll stops every started plugin in reverse start order. A failing plugin
// does not prevent the others from being stopped; all failures are joined.
func (r *Registry) StopAll(ctx context.Context) error {
	var errs []error
	for i := len(r.started) - 1; i >= 0; i-- {
		name := r.started[i]
		e := r.entries[name]
		if e.state != StateStarted {
			continue
		}
		r.setState(name, e, StateStopped)
		if err := r.runHook(ctx, name, e, HookStop); err != nil {
			r.log.Error("plugin failed to stop", slog.String("plugin", name), slog.Any("error", err))
			errs = append(errs, xerrors.Wrap(xerrors.CodeStopFailed, err, fmt.Sprintf("stop plugin %s", name), xerrors.WithPlugin(name)))
		}
	}
	return stdErrors.Join(errs...)
}

// Initialized returns plugin names in the order they reached the initialized state.
func (r *Registry) Initialized() []string { return slices.Clone(r.initialized) }

// Started returns plugin names in the order they were started.
func (r *Registry) Started() []string { return slices.Clone(r.started) }

// Names returns every registered plugin name in registration order.
func (r *Registry) Names() []string { return slices.Clone(r.order) }

// Len returns the number of registered plugins.
func (r *Registry) Len() int { return len(r.order) }

// State returns the lifecycle state of a plugin.
func (r *Registry) State(name string) (State, error) {
	e, ok := r.entries[name]
	if !ok {
		return "", xerrors.New(xerrors.CodePluginNotFound, fmt.Sprintf("plugin %s not registered", name), xerrors.WithPlugin(name))
	}
	return e.state, nil
}

// Find returns the named plugin or nil.
func (r *Registry) Find(name string) Plugin {
	if e, ok := r.entries[name]; ok {
		return e.plugin
	}
	return nil
}

// Get returns the named plugin or a not-found error.
func (r *Registry) Get(name string) (Plugin, error) {
	if p := r.Find(name); p != nil {
		return p, nil
	}
	return nil, xerrors.New(xerrors.CodePluginNotFound, fmt.Sprintf("plugin %s not registered", name), xerrors.WithPlugin(name))
}

// Plugins returns every registered plugin in registration order.
func (r *Registry) Plugins() []Plugin {
	out := make([]Plugin, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].plugin)
	}
	return out
}

// Clear releases every plugin. The registry can be reused afterwards.
func (r *Registry) Clear() {
	r.entries = make(map[string]*entry)
	r.order = nil
	r.initialized = nil
	r.started = nil
}

func (r *Registry) setState(name string, e *entry, state State) {
	e.state = state
	r.audit.Info("plugin "+string(state), slog.String("plugin", name))
	for _, o := range r.observers {
		o.StateChanged(name, state)
	}
}

func (r *Registry) runHook(ctx context.Context, name string, e *entry, hook Hook) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := r.tracer.Start(ctx, "plugin."+string(hook), trace.WithAttributes(attribute.String("plugin", name)))
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s hook panicked: %v", hook, rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		elapsed := time.Since(start)
		for _, o := range r.observers {
			o.HookFinished(name, hook, elapsed, err)
		}
	}()

	hctx := r.contextFor(ctx, name)
	r.log.Debug("running plugin hook", slog.String("plugin", name), slog.String("hook", string(hook)))
	switch hook {
	case HookConfigure:
		return e.plugin.Configure(hctx)
	case HookStart:
		return e.plugin.Start(hctx)
	default:
		return e.plugin.Stop(hctx)
	}
}

func (r *Registry) contextFor(ctx context.Context, name string) *Context {
	env := r.env
	if env.Logger == nil {
		env.Logger = r.log
	}
	env.Logger = env.Logger.With(slog.String("plugin", name))
	return &Context{C: ctx, Environment: env, registry: r}
}
