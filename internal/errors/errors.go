package errors

import (
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Code 表示框架内统一的错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message  string
	Severity Severity
	Alert    bool
}

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeInvalidState     Code = "INVALID_STATE"
	CodeDuplicatePlugin  Code = "DUPLICATE_PLUGIN"
	CodePluginNotFound   Code = "PLUGIN_NOT_FOUND"
	CodeDependencyCycle  Code = "DEPENDENCY_CYCLE"
	CodeConfigureFailed  Code = "CONFIGURE_FAILED"
	CodeStartFailed      Code = "START_FAILED"
	CodeStopFailed       Code = "STOP_FAILED"
	CodeTaskFailed       Code = "TASK_FAILED"
	CodeLoopStopped      Code = "LOOP_STOPPED"
	CodeOptionsFailure   Code = "OPTIONS_FAILURE"
	CodeExitRequested    Code = "EXIT_REQUESTED"
	CodeLoadFailed       Code = "LOAD_FAILED"
	CodeDependencyFailed Code = "DEPENDENCY_FAILED"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:          {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:  {Message: "invalid argument", Severity: SeverityInfo},
		CodeInvalidState:     {Message: "invalid lifecycle state", Severity: SeverityWarning},
		CodeDuplicatePlugin:  {Message: "plugin already registered", Severity: SeverityWarning},
		CodePluginNotFound:   {Message: "plugin not found", Severity: SeverityWarning},
		CodeDependencyCycle:  {Message: "dependency cycle", Severity: SeverityWarning},
		CodeConfigureFailed:  {Message: "plugin configure failed", Severity: SeverityWarning},
		CodeStartFailed:      {Message: "plugin start failed", Severity: SeverityCritical, Alert: true},
		CodeStopFailed:       {Message: "plugin stop failed", Severity: SeverityWarning, Alert: true},
		CodeTaskFailed:       {Message: "task failed", Severity: SeverityCritical, Alert: true},
		CodeLoopStopped:      {Message: "event loop stopped", Severity: SeverityInfo},
		CodeOptionsFailure:   {Message: "invalid options", Severity: SeverityWarning},
		CodeExitRequested:    {Message: "exit requested", Severity: SeverityInfo},
		CodeLoadFailed:       {Message: "plugin object load failed", Severity: SeverityWarning},
		CodeDependencyFailed: {Message: "dependency unavailable", Severity: SeverityWarning},
	}
)

// Register 允许插件在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是框架内统一的错误类型。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	alert    *bool
	severity *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithPlugin 记录出错的插件名称。
func WithPlugin(name string) Option {
	return WithMetadata("plugin", name)
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.code))
	b.WriteString("] ")
	b.WriteString(e.message)
	if len(e.metadata) > 0 {
		keys := make([]string, 0, len(e.metadata))
		for k := range e.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(e.metadata[k])
		}
		b.WriteString(")")
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Plugin 返回出错插件的名称，没有时返回空串。
func (e *Error) Plugin() string {
	if e == nil {
		return ""
	}
	return e.metadata["plugin"]
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链中是否存在指定错误码。
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// Describe 生成便于日志输出的简短描述。
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := From(err); ok {
		return fmt.Sprintf("%s: %s", e.Code(), e.Message())
	}
	return err.Error()
}
