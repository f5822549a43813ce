// Package logging adapts log/slog to the es.Logger interface taken by every component.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/getpup/pupsourcing/es"
	"go.opentelemetry.io/otel/trace"
)

// Logger implements es.Logger on top of a slog.Logger.
// Entries logged under a sampled span carry its trace and span IDs.
type Logger struct {
	l *slog.Logger
}

// New wraps l. A nil l uses slog.Default().
func New(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{l: l}
}

// NewHandler builds a slog handler for format ("json" or "text") at level.
func NewHandler(w io.Writer, format, level string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else is info.
func ParseLevel(level string) slog.Level {
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

// Debug implements es.Logger.
func (l *Logger) Debug(ctx context.Context, msg string, keyvals ...interface{}) {
	l.log(ctx, slog.LevelDebug, msg, keyvals)
}

// Info implements es.Logger.
func (l *Logger) Info(ctx context.Context, msg string, keyvals ...interface{}) {
	l.log(ctx, slog.LevelInfo, msg, keyvals)
}

// Error implements es.Logger.
func (l *Logger) Error(ctx context.Context, msg string, keyvals ...interface{}) {
	l.log(ctx, slog.LevelError, msg, keyvals)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, keyvals []interface{}) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.l.Enabled(ctx, level) {
		return
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		keyvals = append(keyvals, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	l.l.Log(ctx, level, msg, keyvals...)
}

// Entry is one call captured by a Recorder.
type Entry struct {
	Level   string
	Message string
	Args    []interface{}
}

// Recorder is an es.Logger that keeps every entry in memory. It is meant for tests.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) add(level, msg string, args []interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: msg, Args: args})
}

// Debug implements es.Logger.
func (r *Recorder) Debug(_ context.Context, msg string, args ...interface{}) {
	r.add("debug", msg, args)
}

// Info implements es.Logger.
func (r *Recorder) Info(_ context.Context, msg string, args ...interface{}) {
	r.add("info", msg, args)
}

// Error implements es.Logger.
func (r *Recorder) Error(_ context.Context, msg string, args ...interface{}) {
	r.add("error", msg, args)
}

// Entries returns a copy of the recorded entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Has reports whether an entry with level and message was recorded.
func (r *Recorder) Has(level, msg string) bool {
	for _, e := range r.Entries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

var (
	_ es.Logger = (*Logger)(nil)
	_ es.Logger = (*Recorder)(nil)
)
