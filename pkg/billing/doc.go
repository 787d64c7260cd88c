// Package billing implements the recurring billing and dunning lifecycle of
// subscriptions.
//
// # Overview
//
// A daily run invoices every subscription whose billing date arrived, retries
// unpaid invoices on a fixed schedule and escalates unresolved non-payment
// through a grace period into suspension and finally deletion. A successful
// payment at any point before deletion resets the subscription and its owner
// to active.
//
// # Tiers
//
// Basecamp ($10/month flat, single user):
//   - user count is fixed at 1
//
// Spark ($10/user/month), Momentum ($15/user/month), Vision ($20/user/month):
//   - billed per user, mid-period seat changes are pro-rated
//
// # Timeline
//
// Counted in calendar days (UTC):
//
//	due date +0        initial charge
//	due date +1,2,4,6  retries
//	3rd failed attempt grace period starts, owner access blocked
//	grace +1,3,5       grace notices
//	grace +7           subscription and owner suspended
//	suspended +30..36  daily final warnings
//	suspended +37      gateway subscription cancelled, account deleted
//
// Thresholds live in Policy; prices in Pricing.
//
// # Usage Example
//
//	svc := billing.NewService(billing.Deps{
//		Store:    store,
//		Gateway:  gateway,
//		Notifier: notifier,
//		Logger:   logger,
//	}, gateway)
//
//	reports, err := svc.Runner().Run(ctx, billing.JobDaily)
//
// # Related Packages
//
//   - pkg/storage/postgres: durable Store
//   - pkg/storage/memory: in-process Store
//   - pkg/gateway/stripe: PaymentGateway
//   - pkg/notify: Notifier implementations
//   - pkg/lock: redis Locker
package billing
