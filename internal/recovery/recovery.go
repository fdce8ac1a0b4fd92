// Package recovery provides panic recovery for long-lived goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers a panic and logs it with a stack trace. Deferred
// at the top of connection and listener goroutines so one bad session
// cannot take down the coordinator.
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "session")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
	}
}
