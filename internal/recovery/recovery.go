// Package recovery keeps a panicking worker or user callback from taking the
// engine down with it.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/postalsys/lanelink/internal/logging"
)

// RecoverWithCallback recovers a panic in the deferring goroutine, logs it
// with its stack and hands the recovered value to onPanic when set.
//
//	go func() {
//	    defer recovery.RecoverWithCallback(logger, "sequencer", onPanic)
//	    // ... worker loop
//	}()
func RecoverWithCallback(logger *slog.Logger, name string, onPanic func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if onPanic != nil {
			onPanic(r)
		}
	}
}

// Call runs fn and reports whether it panicked. The panic is logged and
// swallowed.
func Call(logger *slog.Logger, name string, fn func()) (panicked bool) {
	defer RecoverWithCallback(logger, name, func(interface{}) {
		panicked = true
	})
	fn()
	return false
}

func logPanic(logger *slog.Logger, name string, r interface{}) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("panic recovered",
		logging.KeyComponent, name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
