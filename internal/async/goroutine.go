package async

import (
	"runtime/debug"

	"cyclon/internal/logging"
)

// Go runs fn in a goroutine guarded by panic recovery. A panicking worker
// must never take the scheduler down: the panic is logged and swallowed.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process. Meant to be
// deferred at the top of goroutines that run outside the main loop.
func Recover(logger logging.Logger, name string) {
	r := recover()
	if r == nil {
		return
	}
	logger = logging.OrNop(logger)
	if name == "" {
		name = "anonymous"
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
}
