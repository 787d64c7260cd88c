// Package api serves the payment gateway webhook and the admin API.
//
// # Routes
//
//	POST /billing/webhook                gateway events (signature checked)
//	GET  /subscriptions/{id}             subscription
//	GET  /subscriptions/{id}/invoices    invoices
//	GET  /subscriptions/{id}/events      event log
//	PUT  /subscriptions/{id}/users       seat change with pro-rata adjustment
//	POST /jobs/{job}                     manual run of invoices, dunning, daily or archive
//
// Admin routes require "Authorization: Bearer <token>". The webhook is
// authenticated by its signature and may be rate limited per client IP.
//
// # Errors
//
// Billing sentinel errors map to statuses: ErrNotFound 404, ErrLockHeld 409,
// ErrTerminal and ErrFixedUserCount 422, ErrInvalidSignature 400. Error
// bodies are {"error": "..."}.
package api
