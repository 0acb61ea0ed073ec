// Package safego launches background goroutines that survive panics.
package safego

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// Go runs fn in a new goroutine. A panic inside fn is recovered and logged
// under name instead of crashing the process.
func Go(name string, fn func()) {
	go func() {
		defer recoverAndLog(name)
		fn()
	}()
}

// GoContext runs fn in a new goroutine with a context derived from parent that
// keeps parent's values but not its cancellation, bounded by timeout. It is
// used to hand work off from an HTTP request that returns before the work ends.
// The returned channel is closed once fn has returned or panicked.
func GoContext(parent context.Context, timeout time.Duration, name string, fn func(ctx context.Context)) <-chan struct{} {
	done := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	go func() {
		defer close(done)
		defer cancel()
		defer recoverAndLog(name)
		fn(ctx)
	}()
	return done
}

func recoverAndLog(name string) {
	if r := recover(); r != nil {
		slog.Error("recovered panic in background goroutine",
			"task", name,
			"panic", r,
			"stack", string(debug.Stack()),
		)
	}
}
