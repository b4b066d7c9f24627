// Package logging provides structured JSON logging for fraude components.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var (
	handlerMu sync.RWMutex
	level     = new(slog.LevelVar)
	handler   slog.Handler = newHandler(os.Stderr)
)

func newHandler(w io.Writer) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				a.Key = "ts"
			case slog.MessageKey:
				a.Key = "event"
			}
			return a
		},
	})
}

// SetOutput redirects every logger to w.
func SetOutput(w io.Writer) {
	handlerMu.Lock()
	handler = newHandler(w)
	handlerMu.Unlock()
}

// SetLevel sets the minimum level emitted. Unknown values select info.
func SetLevel(l string) {
	switch Level(strings.ToLower(l)) {
	case LevelDebug:
		level.Set(slog.LevelDebug)
	case LevelWarn:
		level.Set(slog.LevelWarn)
	case LevelError:
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

func currentHandler() slog.Handler {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	return handler
}

// Logger provides structured logging scoped to a component.
type Logger struct {
	component   string
	project     string
	interaction string
}

// New creates a new logger for a component
func New(component string) *Logger {
	return &Logger{
		component: component,
		project:   os.Getenv("FRAUDE_PROJECT"),
	}
}

// WithProject sets the project context
func (l *Logger) WithProject(project string) *Logger {
	c := *l
	c.project = project
	return &c
}

// WithInteraction tags every event with an interaction ID.
func (l *Logger) WithInteraction(id string) *Logger {
	c := *l
	c.interaction = id
	return &c
}

func (l *Logger) log(lvl slog.Level, event string, extra map[string]any, err error, dur time.Duration) {
	h := currentHandler()
	ctx := context.Background()
	if !h.Enabled(ctx, lvl) {
		return
	}

	attrs := make([]slog.Attr, 0, 6)
	attrs = append(attrs, slog.String("component", l.component))
	if l.project != "" {
		attrs = append(attrs, slog.String("project", l.project))
	}
	if l.interaction != "" {
		attrs = append(attrs, slog.String("interaction", l.interaction))
	}
	if dur > 0 {
		attrs = append(attrs, slog.Int64("duration_ms", dur.Milliseconds()))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	if len(extra) > 0 {
		attrs = append(attrs, slog.Any("extra", extra))
	}

	slog.New(h).LogAttrs(ctx, lvl, event, attrs...)
}

// Debug logs a debug event
func (l *Logger) Debug(event string, extra map[string]any) {
	l.log(slog.LevelDebug, event, extra, nil, 0)
}

// Info logs an info event
func (l *Logger) Info(event string, extra map[string]any) {
	l.log(slog.LevelInfo, event, extra, nil, 0)
}

// Warn logs a warning event
func (l *Logger) Warn(event string, extra map[string]any, err error) {
	l.log(slog.LevelWarn, event, extra, err, 0)
}

// Error logs an error event
func (l *Logger) Error(event string, extra map[string]any, err error) {
	l.log(slog.LevelError, event, extra, err, 0)
}

// TimedEvent logs an event with the time elapsed since start.
func (l *Logger) TimedEvent(event string, start time.Time, extra map[string]any) {
	d := time.Since(start)
	if d <= 0 {
		d = time.Millisecond
	}
	l.log(slog.LevelInfo, event, extra, nil, d)
}
