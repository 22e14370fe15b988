package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level represents a log severity level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the level name used in log output.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name, defaulting to info on unknown input.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %q", s)
	}
}

// Logger is the printf-style logging interface components depend on.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// ComponentLogger writes level-filtered, component-tagged log lines.
type ComponentLogger struct {
	mu        sync.Mutex
	component string
	min       Level
	out       io.Writer
	color     *color.Color
}

// Option configures a ComponentLogger.
type Option func(*ComponentLogger)

// WithLevel sets the minimum level that produces output.
func WithLevel(min Level) Option {
	return func(l *ComponentLogger) { l.min = min }
}

// WithOutput redirects log lines to w instead of the process logger.
func WithOutput(w io.Writer) Option {
	return func(l *ComponentLogger) { l.out = w }
}

// WithColor colors the component tag.
func WithColor(attr color.Attribute) Option {
	return func(l *ComponentLogger) { l.color = color.New(attr) }
}

var defaultLevel = struct {
	mu    sync.RWMutex
	level Level
}{level: InfoLevel}

// SetDefaultLevel sets the minimum level for loggers created afterwards.
func SetDefaultLevel(min Level) {
	defaultLevel.mu.Lock()
	defer defaultLevel.mu.Unlock()
	defaultLevel.level = min
}

// DefaultLevel returns the current process-wide default level.
func DefaultLevel() Level {
	defaultLevel.mu.RLock()
	defer defaultLevel.mu.RUnlock()
	return defaultLevel.level
}

// NewComponentLogger creates a logger tagged with the component name.
func NewComponentLogger(component string, opts ...Option) *ComponentLogger {
	l := &ComponentLogger{
		component: component,
		min:       DefaultLevel(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *ComponentLogger) Debug(format string, args ...any) { l.logf(DebugLevel, format, args...) }
func (l *ComponentLogger) Info(format string, args ...any)  { l.logf(InfoLevel, format, args...) }
func (l *ComponentLogger) Warn(format string, args ...any)  { l.logf(WarnLevel, format, args...) }
func (l *ComponentLogger) Error(format string, args ...any) { l.logf(ErrorLevel, format, args...) }

func (l *ComponentLogger) logf(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.min {
		return
	}
	tag := "[" + l.component + "]"
	if l.color != nil {
		tag = l.color.Sprint(tag)
	}
	line := fmt.Sprintf("%-5s %s %s", level.String(), tag, fmt.Sprintf(format, args...))
	if l.out != nil {
		fmt.Fprintln(l.out, line)
		return
	}
	log.Print(line)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards everything.
func Nop() Logger { return nopLogger{} }

// IsNil reports whether logger is nil, including a typed nil pointer
// stored in the interface.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	v := reflect.ValueOf(logger)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// OrNop returns logger, or a nop logger when logger is nil.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

func init() {
	log.SetOutput(os.Stderr)
}
