package plugin

// State represents the lifecycle position of a plugin instance. States only
// move forward: registered, initialized, started, stopped.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialized State = "initialized"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)

// States lists every state in lifecycle order.
func States() []State {
	return []State{StateRegistered, StateInitialized, StateStarted, StateStopped}
}

// Hook names a lifecycle callback.
type Hook string

const (
	HookConfigure Hook = "configure"
	HookStart     Hook = "start"
	HookStop      Hook = "stop"
)

// Describer is implemented by plugins that carry a human readable summary,
// shown when listing the available plugins.
type Describer interface {
	Description() string
}
