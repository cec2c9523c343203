// Package recovery keeps a panicking goroutine from taking the whole process down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with its stack.
// Defer it first thing in every goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "session.Session.acceptLoop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers from a panic, logs it, then calls onPanic.
// Sessions use the callback to tear themselves down after a crashed worker.
func RecoverWithCallback(logger *slog.Logger, name string, onPanic func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if onPanic != nil {
			onPanic(r)
		}
	}
}

// Go runs fn in a new goroutine guarded by RecoverWithLog.
func Go(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer RecoverWithLog(logger, name)
		fn()
	}()
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
