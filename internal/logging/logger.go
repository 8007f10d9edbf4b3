package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// stdLogger writes levelled, component-tagged lines to a single writer.
type stdLogger struct {
	out       *log.Logger
	level     Level
	component string
	mu        *sync.Mutex
}

var (
	defaultOut = log.New(os.Stderr, "", 0)
	defaultMu  sync.Mutex
	minLevel   = INFO
	minLevelMu sync.RWMutex
	levelInit  sync.Once
)

// SetLevel sets the minimum level emitted by component loggers.
func SetLevel(level Level) {
	minLevelMu.Lock()
	minLevel = level
	minLevelMu.Unlock()
}

func currentLevel() Level {
	levelInit.Do(func() {
		if raw, ok := os.LookupEnv("GAZER_LOG_LEVEL"); ok {
			switch raw {
			case "debug", "DEBUG":
				minLevel = DEBUG
			case "warn", "WARN":
				minLevel = WARN
			case "error", "ERROR":
				minLevel = ERROR
			}
		}
	})
	minLevelMu.RLock()
	defer minLevelMu.RUnlock()
	return minLevel
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &stdLogger{
		out:       defaultOut,
		component: component,
		mu:        &defaultMu,
	}
}

// NewWriterLogger returns a logger that writes to w. Used by tests.
func NewWriterLogger(w io.Writer, component string, level Level) Logger {
	return &stdLogger{
		out:       log.New(w, "", 0),
		level:     level,
		component: component,
		mu:        &sync.Mutex{},
	}
}

func (l *stdLogger) log(level Level, format string, args ...any) {
	threshold := l.level
	if l.out == defaultOut {
		threshold = currentLevel()
	}
	if level < threshold {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.component != "" {
		l.out.Printf("[%s] [%s] [%s] %s", ts, level, l.component, msg)
	} else {
		l.out.Printf("[%s] [%s] %s", ts, level, msg)
	}
}

func (l *stdLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *stdLogger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *stdLogger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *stdLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }
