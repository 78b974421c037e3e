package logging

import (
	"io"
	"os"
	"sync/atomic"
)

// global backs the package-level helpers used by code that has no logger
// of its own, such as background goroutines in the metadata backends.
var global atomic.Pointer[Logger]

func init() {
	global.Store(DefaultLogger())
}

// SetGlobal replaces the process-wide logger. A nil logger is ignored.
func SetGlobal(l *Logger) {
	if l != nil {
		global.Store(l)
	}
}

// Global returns the process-wide logger.
func Global() *Logger {
	return global.Load()
}

// Configure installs a stderr logger for the given level and format names
// and returns it. Debug level also records the caller.
func Configure(level, format string) *Logger {
	return ConfigureTo(os.Stderr, level, format)
}

// ConfigureTo is Configure writing to out.
func ConfigureTo(out io.Writer, level, format string) *Logger {
	lvl := ParseLevel(level)
	l := New(Config{Level: lvl, Format: ParseFormat(format), Output: out, AddCaller: lvl == LevelDebug})
	SetGlobal(l)
	return l
}

func Infof(msg string, fields map[string]any)  { Global().Infof(msg, fields) }
func Warnf(msg string, fields map[string]any)  { Global().Warnf(msg, fields) }
func Errorf(msg string, fields map[string]any) { Global().Errorf(msg, fields) }
