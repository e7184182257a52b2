package plugin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	xerrors "appbase/internal/errors"
	"appbase/pkg/options"
	"appbase/pkg/reactor"
)

// Plugin defines the lifecycle hooks that each plugin implementation must satisfy.
type Plugin interface {
	// Name returns the unique registry key of the plugin.
	Name() string
	// Requires lists the plugins that must be configured and started first.
	Requires() []string
	// DeclareOptions adds the plugin's command-line only options to cli and
	// the options that may also appear in the config file to cfg.
	DeclareOptions(cli, cfg *options.Set)
	// Configure reads parsed options and prepares the plugin. Dependencies
	// have already been configured.
	Configure(ctx *Context) error
	// Start activates the plugin. It runs before the event loop and should
	// schedule work on the reactor instead of blocking.
	Start(ctx *Context) error
	// Stop gracefully halts the plugin and releases any resources.
	Stop(ctx *Context) error
}

// Environment holds the shared services handed to every lifecycle hook.
type Environment struct {
	// Options is the parsed view over every declared option.
	Options options.Values
	// Reactor is the application event loop.
	Reactor *reactor.Reactor
	// Logger is the application logger; hooks receive a copy tagged with the plugin name.
	Logger    *slog.Logger
	DataDir   string
	ConfigDir string
	// Instance identifies this process, for example in heartbeat keys.
	Instance string
	// Metrics is the application metric registry. Plugins may register
	// their own collectors on it.
	Metrics *prometheus.Registry
}

// Context is passed to plugins for every lifecycle stage.
type Context struct {
	// C is the underlying context for cancellation and tracing.
	C context.Context
	Environment
	registry *Registry
}

// Lookup returns another registered plugin by name.
func (c *Context) Lookup(name string) (Plugin, bool) {
	if c == nil || c.registry == nil {
		return nil, false
	}
	p := c.registry.Find(name)
	return p, p != nil
}

// Dependency returns the plugin registered under name as type T. It fails
// when the plugin is missing or has a different implementation type.
func Dependency[T Plugin](c *Context, name string) (T, error) {
	var zero T
	p, ok := c.Lookup(name)
	if !ok {
		return zero, xerrors.New(xerrors.CodePluginNotFound, fmt.Sprintf("plugin %s not registered", name), xerrors.WithPlugin(name))
	}
	typed, ok := p.(T)
	if !ok {
		return zero, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("plugin %s has unexpected type %T", name, p), xerrors.WithPlugin(name))
	}
	return typed, nil
}

// Base implements the optional parts of Plugin. Embed it and override the
// hooks a plugin cares about.
type Base struct {
	name     string
	requires []string
}

// NewBase returns a Base for a plugin called name depending on requires.
func NewBase(name string, requires ...string) Base {
	return Base{name: name, requires: requires}
}

// Name implements Plugin.
func (b Base) Name() string { return b.name }

// Requires implements Plugin.
func (b Base) Requires() []string { return b.requires }

// DeclareOptions implements Plugin.
func (Base) DeclareOptions(_, _ *options.Set) {}

// Configure implements Plugin.
func (Base) Configure(*Context) error { return nil }

// Start implements Plugin.
func (Base) Start(*Context) error { return nil }

// Stop implements Plugin.
func (Base) Stop(*Context) error { return nil }
