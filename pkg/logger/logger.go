package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// Config describes how the application logger should behave. It is the
// document read from the file named by the logconf option.
type Config struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"outputs"`
	AddSource   bool        `yaml:"add_source"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig controls where lifecycle audit records are written.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Loggers bundles a default and an audit logger together with the outputs
// that must be closed when the process exits.
type Loggers struct {
	Default *slog.Logger
	Audit   *slog.Logger
	closers []io.Closer
}

// Close flushes and closes every file output.
func (l *Loggers) Close() error {
	if l == nil {
		return nil
	}
	var err error
	for _, closer := range l.closers {
		err = errors.Join(err, closer.Close())
	}
	l.closers = nil
	return err
}

var (
	mu      sync.RWMutex
	current *Loggers
)

// New builds loggers from cfg without touching the global instance.
func New(cfg Config) (*Loggers, error) {
	out := &Loggers{}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	handler, err := out.buildHandler(cfg.Format, cfg.OutputPaths, opts)
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	out.Default = slog.New(handler)
	out.Audit = out.Default

	if cfg.Audit.Enabled {
		audit, err := out.buildAuditLogger(cfg.Audit)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		out.Audit = audit
	}
	return out, nil
}

// Init configures the global logger instances, replacing any previous ones.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	SetDefault(l)
	return nil
}

// SetDefault installs l as the global logger pair. The previous pair is closed.
func SetDefault(l *Loggers) {
	if l == nil {
		return
	}
	mu.Lock()
	prev := current
	current = l
	mu.Unlock()
	if prev != nil && prev != l {
		_ = prev.Close()
	}
}

// LoadConfig reads a YAML logging configuration. A missing file is not an
// error; the returned bool reports whether the file existed.
func LoadConfig(path string) (Config, bool, error) {
	var cfg Config
	if path == "" {
		return cfg, false, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("read logging config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, true, fmt.Errorf("unmarshal logging config %s: %w", path, err)
	}
	if cfg.Audit.Path != "" && !filepath.IsAbs(cfg.Audit.Path) {
		cfg.Audit.Path = filepath.Join(filepath.Dir(path), cfg.Audit.Path)
	}
	return cfg, true, nil
}

func (l *Loggers) buildHandler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, error) {
	writers := make([]io.Writer, 0, len(outputs))
	if len(outputs) == 0 {
		writers = append(writers, os.Stderr)
	}
	for _, out := range outputs {
		writer, closer, err := openWriter(out)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			l.closers = append(l.closers, closer)
		}
		writers = append(writers, writer)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(writer, opts), nil
	}
	return slog.NewTextHandler(writer, opts), nil
}

func (l *Loggers) buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	writer := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	l.closers = append(l.closers, writer)
	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	case "discard":
		return io.Discard, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return file, file, nil
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func get() *Loggers {
	mu.RLock()
	l := current
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current, _ = New(Config{})
	}
	return current
}

// L returns the structured logger instance.
func L() *slog.Logger {
	return get().Default
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	return get().Audit
}

// Sync closes the outputs of the global loggers.
func Sync() error {
	mu.RLock()
	l := current
	mu.RUnlock()
	return l.Close()
}

// Named returns a child logger with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Discard returns a logger that drops every record. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
