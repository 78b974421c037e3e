// Package logging provides structured logging for background jobs. Every
// entry can carry the job name and the run ID of the job execution that
// produced it, so the messages of one purge run can be collected together.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	// LevelDebug is for detailed debugging information.
	LevelDebug Level = iota
	// LevelInfo is for general information messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level. Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format represents the output format for log messages.
type Format int

const (
	// FormatJSON outputs logs as JSON objects.
	FormatJSON Format = iota
	// FormatText outputs logs as human-readable text.
	FormatText
)

// ParseFormat converts a string to a Format. Unknown values map to FormatJSON.
func ParseFormat(s string) Format {
	if s == "text" {
		return FormatText
	}
	return FormatJSON
}

// Entry represents a single log entry.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Job       string         `json:"job,omitempty"`
	RunID     string         `json:"runId,omitempty"`
	File      string         `json:"file,omitempty"`
	Line      int            `json:"line,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger provides structured logging with configurable levels and formats.
type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	format    Format
	addCaller bool
	fields    map[string]any
	job       string
	runID     string
}

// Config holds configuration for a Logger.
type Config struct {
	Level     Level
	Format    Format
	Output    io.Writer
	AddCaller bool
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	return &Logger{
		out:       out,
		level:     cfg.Level,
		format:    cfg.Format,
		addCaller: cfg.AddCaller,
		fields:    make(map[string]any),
	}
}

// DefaultLogger returns a JSON logger at info level writing to stderr.
func DefaultLogger() *Logger {
	return New(Config{Level: LevelInfo, Format: FormatJSON})
}

// SetLevel updates the minimum logging level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// clone copies l and lets mutate adjust the copy before it is shared.
func (l *Logger) clone(mutate func(*Logger)) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := &Logger{
		out:       l.out,
		level:     l.level,
		format:    l.format,
		addCaller: l.addCaller,
		fields:    make(map[string]any, len(l.fields)),
		job:       l.job,
		runID:     l.runID,
	}
	for k, v := range l.fields {
		c.fields[k] = v
	}
	mutate(c)
	return c
}

// With returns a new Logger with the given fields added.
func (l *Logger) With(fields map[string]any) *Logger {
	return l.clone(func(c *Logger) {
		for k, v := range fields {
			c.fields[k] = v
		}
	})
}

// WithJob returns a new Logger tagged with a job name.
func (l *Logger) WithJob(job string) *Logger {
	return l.clone(func(c *Logger) { c.job = job })
}

// WithRunID returns a new Logger tagged with the ID of one job run.
func (l *Logger) WithRunID(id string) *Logger {
	return l.clone(func(c *Logger) { c.runID = id })
}

// RunID returns the run ID this logger is tagged with.
func (l *Logger) RunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runID
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.log(LevelDebug, msg, nil) }

// Debugf logs a debug message with fields.
func (l *Logger) Debugf(msg string, fields map[string]any) { l.log(LevelDebug, msg, fields) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.log(LevelInfo, msg, nil) }

// Infof logs an info message with fields.
func (l *Logger) Infof(msg string, fields map[string]any) { l.log(LevelInfo, msg, fields) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.log(LevelWarn, msg, nil) }

// Warnf logs a warning message with fields.
func (l *Logger) Warnf(msg string, fields map[string]any) { l.log(LevelWarn, msg, fields) }

// Error logs an error message.
func (l *Logger) Error(msg string) { l.log(LevelError, msg, nil) }

// Errorf logs an error message with fields.
func (l *Logger) Errorf(msg string, fields map[string]any) { l.log(LevelError, msg, fields) }

// Log logs msg at level. It is the entry point for adapters.
func (l *Logger) Log(level Level, msg string, fields map[string]any) {
	l.log(level, msg, fields)
}

func (l *Logger) log(level Level, msg string, extraFields map[string]any) {
	l.mu.Lock()
	if level < l.level {
		l.mu.Unlock()
		return
	}
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   msg,
		Job:       l.job,
		RunID:     l.runID,
	}
	format := l.format
	addCaller := l.addCaller
	if len(l.fields) > 0 || len(extraFields) > 0 {
		entry.Fields = make(map[string]any, len(l.fields)+len(extraFields))
		for k, v := range l.fields {
			entry.Fields[k] = v
		}
	}
	l.mu.Unlock()

	for k, v := range extraFields {
		entry.Fields[k] = v
	}

	if addCaller {
		// log <- Infof/Log <- caller
		if _, file, line, ok := runtime.Caller(2); ok {
			entry.File = file
			entry.Line = line
		}
	}

	var data []byte
	switch format {
	case FormatText:
		data = formatText(entry)
	default:
		data, _ = json.Marshal(entry)
		data = append(data, '\n')
	}

	l.mu.Lock()
	_, _ = l.out.Write(data)
	l.mu.Unlock()
}

func formatText(e Entry) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, e.Timestamp.Format(time.RFC3339)...)
	buf = append(buf, " ["...)
	buf = append(buf, e.Level...)
	buf = append(buf, "] "...)
	buf = append(buf, e.Message...)

	if e.Job != "" {
		buf = append(buf, " job="...)
		buf = append(buf, e.Job...)
	}
	if e.RunID != "" {
		buf = append(buf, " runId="...)
		buf = append(buf, e.RunID...)
	}
	if e.File != "" {
		buf = append(buf, " file="...)
		buf = append(buf, e.File...)
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, int64(e.Line), 10)
	}

	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		buf = append(buf, ' ')
		buf = append(buf, k...)
		buf = append(buf, '=')
		switch val := e.Fields[k].(type) {
		case string:
			buf = append(buf, val...)
		case error:
			buf = append(buf, val.Error()...)
		default:
			data, _ := json.Marshal(val)
			buf = append(buf, data...)
		}
	}
	buf = append(buf, '\n')
	return buf
}
