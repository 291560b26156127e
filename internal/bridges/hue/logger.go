package hue

import "sync"

// Logger interface for optional logging.
// Satisfied by *logging.Logger and *slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// logHolder guards an optional Logger. Embedded by every component that logs;
// a nil logger is silent.
type logHolder struct {
	logger   Logger
	loggerMu sync.RWMutex
}

// SetLogger sets the logger. Safe to call at any time.
func (h *logHolder) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

func (h *logHolder) getLogger() Logger {
	h.loggerMu.RLock()
	defer h.loggerMu.RUnlock()
	return h.logger
}

// logDebug logs a debug message if logger is set.
func (h *logHolder) logDebug(msg string, keysAndValues ...any) {
	if l := h.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if logger is set.
func (h *logHolder) logInfo(msg string, keysAndValues ...any) {
	if l := h.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (h *logHolder) logWarn(msg string, keysAndValues ...any) {
	if l := h.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (h *logHolder) logError(msg string, err error, keysAndValues ...any) {
	if l := h.getLogger(); l != nil {
		l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
