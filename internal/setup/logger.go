package setup

import (
	"log/slog"
	"sync/atomic"
)

var packageLogger atomic.Pointer[slog.Logger]

// SetLogger configures the package logger used by the pre-flight and
// teardown. A nil logger restores slog.Default.
func SetLogger(logger *slog.Logger) {
	packageLogger.Store(logger)
}

func getLogger() *slog.Logger {
	if logger := packageLogger.Load(); logger != nil {
		return logger
	}
	return slog.Default()
}
