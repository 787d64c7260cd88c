package async

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// SafeGo executes a function in a goroutine with panic recovery and error
// logging. A positive timeout bounds the context handed to fn.
//
// Use this instead of bare `go func()` for background work.
//
// Example:
//
//	async.SafeGo(ctx, logger, 0, "health server", func(ctx context.Context) error {
//	    return server.ListenAndServe()
//	})
func SafeGo(parentCtx context.Context, logger logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx := parentCtx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
			defer cancel()
		}

		defer recoverTask(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Error("Background task failed")
		}
	}()
}

// SafeGoNoError is like SafeGo but for functions that don't return errors.
func SafeGoNoError(parentCtx context.Context, logger logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context)) {
	SafeGo(parentCtx, logger, timeout, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Every runs fn on each tick of interval until ctx is done. A tick that
// panics is logged and the loop carries on with the next one.
//
// Example:
//
//	async.Every(ctx, logger, clock, 15*time.Second, "pool stats", func(ctx context.Context) {
//	    app.CollectPoolStats()
//	})
func Every(ctx context.Context, logger logrus.FieldLogger, clock clockwork.Clock, interval time.Duration, taskName string, fn func(context.Context)) {
	ticker := clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				func() {
					defer recoverTask(logger, taskName)
					fn(ctx)
				}()
			}
		}
	}()
}

func recoverTask(logger logrus.FieldLogger, taskName string) {
	if r := recover(); r != nil {
		logger.WithFields(logrus.Fields{
			"task":  taskName,
			"panic": r,
			"stack": string(debug.Stack()),
		}).Error("Background task panicked")
	}
}
