package coopsync

import (
	"sync"

	"github.com/joeycumines/logiface"
)

// Package-level configuration for structured logging.
//
// Primitives never log. The only emitters are the rate limiter's
// period-reset diagnostics, and the (opt-in) report of a Deferred collected
// while still pending. A package-level global is appropriate for this:
// logging is a cross-cutting concern, and per-primitive logger plumbing
// would bloat every constructor for the benefit of two call sites.

var globalLogger struct {
	sync.RWMutex
	logger *logiface.Logger[logiface.Event]
}

// SetLogger configures the logger used for this package's diagnostics.
// A nil logger (the default) disables structured output; the pending-at-GC
// Deferred diagnostic falls back to stderr.
func SetLogger(logger *logiface.Logger[logiface.Event]) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = logger
}

func getLogger() *logiface.Logger[logiface.Event] {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	return globalLogger.logger
}
