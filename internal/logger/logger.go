package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
)

// Init installs the compact handler as the process-wide slog default.
// Only the first call has an effect.
func Init(level slog.Level) {
	once.Do(func() {
		defaultLogger = slog.New(NewHandler(os.Stdout, level))
		slog.SetDefault(defaultLogger)
	})
}

// ParseLevel maps a flag value (debug, info, warn, error) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "dbg":
		return slog.LevelDebug, nil
	case "", "info", "inf":
		return slog.LevelInfo, nil
	case "warn", "warning", "wrn":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Handler writes one line per record:
// 2024-01-15 14:30:45.123 [INF] message key=value
type Handler struct {
	out   *lockedWriter
	level slog.Level
	attrs []slog.Attr // attrs are prepended to every record
	group string      // group prefixes attribute keys
}

// lockedWriter serializes writes from handlers sharing one output.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewHandler creates a handler writing records at or above level to out.
func NewHandler(out io.Writer, level slog.Level) *Handler {
	return &Handler{
		out:   &lockedWriter{w: out},
		level: level,
	}
}

// Enabled reports whether the level passes the handler's threshold.
func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

// Handle formats and writes a log record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	b.WriteString(r.Time.Format("2006-01-02 15:04:05.000"))
	b.WriteString(" [")
	b.WriteString(levelString(r.Level))
	b.WriteString("] ")
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		h.writeAttr(&b, a)
	}

	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, a)
		return true
	})

	b.WriteByte('\n')

	h.out.mu.Lock()
	defer h.out.mu.Unlock()

	_, err := io.WriteString(h.out.w, b.String())

	return err
}

// writeAttr appends " key=value", qualifying the key with the handler group.
func (h *Handler) writeAttr(b *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}

	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}

	fmt.Fprintf(b, " %s=%v", key, a.Value.Resolve())
}

// WithAttrs returns a handler that prepends attrs to every record.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)

	return &clone
}

// WithGroup returns a handler that qualifies later attribute keys with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}

	return &clone
}

// levelString returns a short string for the log level.
func levelString(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DBG"
	case l < slog.LevelWarn:
		return "INF"
	case l < slog.LevelError:
		return "WRN"
	default:
		return "ERR"
	}
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// Timed returns elapsed time since start for logging duration.
func Timed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}
