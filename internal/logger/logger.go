// Package logger owns log setup: a line-oriented slog handler with a
// runtime-adjustable level, plus a writer shim that reformats the JSON log
// lines the embedded sipgo stack emits through its own logger.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	levelMu     sync.RWMutex
	globalLevel = slog.LevelInfo
)

// SetLevel sets the global log level from its string form.
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	levelMu.Lock()
	globalLevel = level
	levelMu.Unlock()
}

// ParseLevel parses a string to an slog level. Unknown strings log
// everything.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// lineHandler formats records as "[15:04:05] [LEVEL] message k=v ...".
type lineHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func (h *lineHandler) Enabled(ctx context.Context, level slog.Level) bool {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return level >= globalLevel
}

func (h *lineHandler) Handle(ctx context.Context, record slog.Record) error {
	var attrs []string
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a.Key+"="+a.Value.String())
		return true
	})

	line := fmt.Sprintf("[%s] [%s] %s",
		record.Time.Format("15:04:05"),
		strings.ToUpper(record.Level.String()),
		record.Message,
	)
	if len(attrs) > 0 {
		line += " " + strings.Join(attrs, " ")
	}
	line += "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write([]byte(line))
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *lineHandler) WithGroup(name string) slog.Handler       { return h }

// Init installs the default logger writing to the given output.
func Init(out io.Writer) {
	slog.SetDefault(slog.New(&lineHandler{out: out}))
}

// SIPStackWriter adapts sipgo's JSON log lines to our line format so both
// stacks share one output. Hand it to sipgo's logger option.
type SIPStackWriter struct {
	Base io.Writer
}

func (w *SIPStackWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if !strings.HasPrefix(line, "{") {
		return w.Base.Write(p)
	}

	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return w.Base.Write(p)
	}

	level := "info"
	if lv, ok := entry["level"]; ok {
		level = fmt.Sprint(lv)
	}
	message := ""
	if msg, ok := entry["message"]; ok {
		message = fmt.Sprint(msg)
	}
	timestamp := time.Now().Format("15:04:05")
	if t, ok := entry["time"]; ok {
		if ts, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
			timestamp = ts.Format("15:04:05")
		}
	}

	var attrs []string
	for k, v := range entry {
		switch k {
		case "level", "message", "time", "caller":
		default:
			attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
		}
	}

	formatted := fmt.Sprintf("[%s] [%s] %s", timestamp, strings.ToUpper(level), message)
	if len(attrs) > 0 {
		formatted += " " + strings.Join(attrs, " ")
	}
	formatted += "\n"

	if _, err := w.Base.Write([]byte(formatted)); err != nil {
		return 0, err
	}
	return len(p), nil
}
