// Package groutine starts named goroutines. Names are attached as pprof
// labels so bridge workers can be told apart in goroutine profiles.
package groutine

import (
	"context"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn in a goroutine labelled with name.
// If parentCtx is nil, context.Background() is used.
//
//	groutine.Go(ctx, "central-write-loop", func(ctx context.Context) {
//	    // work
//	})
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GoRecover is Go with panic recovery: a panic in fn is logged with its
// stack and passed to onPanic (which may be nil) instead of crashing the
// process. Used for per-request handlers driven by remote input.
func GoRecover(parentCtx context.Context, name string, logger *logrus.Logger, onPanic func(recovered any), fn func(ctx context.Context)) {
	Go(parentCtx, name, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.WithFields(logrus.Fields{
						"goroutine": name,
						"panic":     r,
					}).Errorf("goroutine panicked (recovered)\n%s", debug.Stack())
				}
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
