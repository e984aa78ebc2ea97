// Package recovery guards the goroutines the dual-protocol server spawns
// per connection, per relay direction, and per UDP channel against a panic
// taking down the process.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic, logs it with the given logger under
// name, and — if onPanic is supplied — invokes it so the caller can bump a
// failure counter. Use with defer at the top of a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "socks5.Handle")
//	    // ... goroutine work
//	}()
func RecoverWithLog(logger *slog.Logger, name string, onPanic ...func()) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
	for _, f := range onPanic {
		if f != nil {
			f()
		}
	}
}
