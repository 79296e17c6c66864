// Package async provides panic-guarded goroutine spawning and a supervised
// bounded worker pool for fire-and-forget dispatch work.
package async

import (
	"runtime/debug"

	"maestro/internal/logging"
)

// Go runs fn in its own goroutine. A panic inside fn is logged with the
// goroutine's name and stack instead of crashing the process.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go, exported so pool workers and other
// long-lived loops share the panic report format.
func Recover(logger logging.Logger, name string) {
	r := recover()
	if r == nil {
		return
	}
	logging.OrNop(logger).Error("goroutine %s panicked: %v\n%s", name, r, debug.Stack())
}
