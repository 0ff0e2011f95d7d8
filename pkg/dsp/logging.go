package dsp

import (
	"log/slog"
	"sync/atomic"
)

// The log sink is process-wide and opt-in: until SetLogger is called all
// engine logging is discarded.
var logger atomic.Pointer[slog.Logger]

var discard = slog.New(slog.DiscardHandler)

// SetLogger installs the process-wide log sink used by all engine
// components. Passing nil restores the discarding default.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

// Log returns the current process-wide logger.
func Log() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return discard
}
