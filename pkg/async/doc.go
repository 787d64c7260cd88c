// Package async runs background goroutines with panic recovery and logging.
//
// SafeGo starts a one-off task:
//
//	async.SafeGo(ctx, logger, 5*time.Second, "notice", func(ctx context.Context) error {
//		return notifier.Notify(ctx, accountID, key, data)
//	})
//
// Every runs a task on a ticker until the context is done:
//
//	async.Every(ctx, logger, clockwork.NewRealClock(), time.Minute, "replica health", check)
//
// Tasks that panic are logged with their stack and never crash the process.
//
// # Related Packages
//
//   - pkg/storage/postgres: replica health checks
//   - pkg/middleware: rate limiter window cleanup
package async
