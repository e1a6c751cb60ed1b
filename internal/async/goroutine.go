// Package async provides panic-guarded goroutine helpers for background
// units of work such as heartbeat timers.
package async

import "runtime/debug"

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(msg string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process. A crash would
// take down every in-flight request stream, so background units never
// propagate panics.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	if name == "" {
		logger.Error("goroutine panic", "panic", r, "stack", string(debug.Stack()))
		return
	}
	logger.Error("goroutine panic", "name", name, "panic", r, "stack", string(debug.Stack()))
}
