// Package log provides structured logging for orrery.
// It wraps log/slog with a category field so subsystems can be told apart
// in aggregated output, and selects handler format and minimum level from
// the logging configuration.
package log

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
)

// Category groups related log messages.
type Category string

const (
	CatBroker Category = "broker" // Session registry lifecycle
	CatPorts  Category = "ports"  // Port pool allocation
	CatSuper  Category = "super"  // Worker process supervision
	CatRPC    Category = "rpc"    // Worker socket traffic
	CatStore  Category = "store"  // Durable session log
	CatAPI    Category = "api"    // HTTP facade
	CatReaper Category = "reaper" // Idle session eviction
	CatWorker Category = "worker" // Child-side command loop
	CatConfig Category = "config" // Configuration loading/saving
	CatCache  Category = "cache"  // Cache operations
)

var (
	mu     sync.RWMutex
	logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
)

// Init configures the global logger from the logging config.
// Level is one of debug, info, warn, error; format is text or json.
// Unknown values fall back to info and text.
func Init(level, format string) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	mu.Lock()
	logger = slog.New(handler)
	mu.Unlock()
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

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	current().Debug(msg, withCategory(cat, fields)...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	current().Info(msg, withCategory(cat, fields)...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	current().Warn(msg, withCategory(cat, fields)...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	current().Error(msg, withCategory(cat, fields)...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	Error(cat, msg, fields...)
}

func withCategory(cat Category, fields []any) []any {
	out := make([]any, 0, len(fields)+2)
	out = append(out, "category", string(cat))
	out = append(out, fields...)
	return out
}

// SafeGo runs fn in a goroutine and converts panics into error logs.
// The name identifies the goroutine in the panic report.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatBroker, "goroutine panicked",
					"goroutine", name,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
