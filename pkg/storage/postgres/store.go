package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/recur/pkg/billing"
)

// uniqueViolation is the postgres error code for unique constraint failures
const uniqueViolation = "23505"

// querier is the subset of *sql.DB and *sql.Tx used by the store
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store implements billing.Store on PostgreSQL
type Store struct {
	db *sql.DB
	q  querier
	tx bool
}

// NewStore creates a Store on an open database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

// InTx runs fn in a transaction. Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx billing.Store) error) error {
	if s.tx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx, tx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LockInvoice takes a row lock on the invoice for the rest of the transaction
func (s *Store) LockInvoice(ctx context.Context, invoiceID int64) error {
	if !s.tx {
		return nil
	}
	var id int64
	err := s.q.QueryRowContext(ctx, `SELECT id FROM invoices WHERE id = $1 FOR UPDATE`, invoiceID).Scan(&id)
	if err == sql.ErrNoRows {
		return fmt.Errorf("invoice %d: %w", invoiceID, billing.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock invoice: %w", err)
	}
	return nil
}

// insert runs an INSERT ... RETURNING query. Inside a transaction the
// statement runs under a savepoint so a constraint violation leaves the
// transaction usable for the caller.
func (s *Store) insert(ctx context.Context, savepoint, query string, args []interface{}, dest ...interface{}) error {
	if !s.tx {
		return mapError(s.q.QueryRowContext(ctx, query, args...).Scan(dest...))
	}
	if _, err := s.q.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
		return fmt.Errorf("failed to set savepoint: %w", err)
	}
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(dest...); err != nil {
		if _, rerr := s.q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rerr != nil {
			return fmt.Errorf("failed to roll back to savepoint after %v: %w", err, rerr)
		}
		return mapError(err)
	}
	if _, err := s.q.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// mapError translates driver errors into billing sentinels
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pqErr.Constraint, billing.ErrDuplicate)
	}
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// Accounts

const accountColumns = `id, kind, email, name, status, payment_grace_period_start, suspension_date, created_at, updated_at`

func scanAccount(row scanner) (*billing.Account, error) {
	var (
		a           billing.Account
		graceStart  sql.NullTime
		suspendedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Kind, &a.Email, &a.Name, &a.Status, &graceStart, &suspendedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.PaymentGracePeriodStart = timePtr(graceStart)
	a.SuspensionDate = timePtr(suspendedAt)
	return &a, nil
}

// CreateAccount inserts an account
func (s *Store) CreateAccount(ctx context.Context, a *billing.Account) error {
	query := `
		INSERT INTO accounts (kind, email, name, status, payment_grace_period_start, suspension_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	err := s.q.QueryRowContext(ctx, query,
		a.Kind, a.Email, a.Name, a.Status,
		nullTime(a.PaymentGracePeriodStart), nullTime(a.SuspensionDate),
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", mapError(err))
	}
	return nil
}

// GetAccount retrieves an account
func (s *Store) GetAccount(ctx context.Context, id int64) (*billing.Account, error) {
	a, err := scanAccount(s.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %d: %w", id, billing.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// UpdateAccount writes the mutable account fields
func (s *Store) UpdateAccount(ctx context.Context, a *billing.Account) error {
	query := `
		UPDATE accounts
		SET status = $2, payment_grace_period_start = $3, suspension_date = $4, updated_at = NOW()
		WHERE id = $1
	`
	res, err := s.q.ExecContext(ctx, query, a.ID, a.Status, nullTime(a.PaymentGracePeriodStart), nullTime(a.SuspensionDate))
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return expectOne(res, "account", a.ID)
}

// ListAccountsInGrace returns suspended accounts with a grace start and no suspension date
func (s *Store) ListAccountsInGrace(ctx context.Context) ([]*billing.Account, error) {
	return s.listAccounts(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE status = 'suspended' AND payment_grace_period_start IS NOT NULL AND suspension_date IS NULL
		ORDER BY id
	`)
}

// ListSuspendedAccounts returns suspended accounts with a suspension date
func (s *Store) ListSuspendedAccounts(ctx context.Context) ([]*billing.Account, error) {
	return s.listAccounts(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE status = 'suspended' AND suspension_date IS NOT NULL
		ORDER BY id
	`)
}

func (s *Store) listAccounts(ctx context.Context, query string, args ...interface{}) ([]*billing.Account, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*billing.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Subscriptions

const subscriptionColumns = `id, tier, owner_id, organization_id, user_count, status,
	current_period_start, current_period_end, next_billing_date, payment_failed_count,
	suspended_at, canceled_at, gateway_customer_id, gateway_subscription_id, created_at, updated_at`

func scanSubscription(row scanner) (*billing.Subscription, error) {
	var (
		sub         billing.Subscription
		orgID       sql.NullInt64
		periodStart sql.NullTime
		periodEnd   sql.NullTime
		suspendedAt sql.NullTime
		canceledAt  sql.NullTime
	)
	err := row.Scan(
		&sub.ID, &sub.Tier, &sub.OwnerID, &orgID, &sub.UserCount, &sub.Status,
		&periodStart, &periodEnd, &sub.NextBillingDate, &sub.PaymentFailedCount,
		&suspendedAt, &canceledAt, &sub.GatewayCustomerID, &sub.GatewaySubscriptionID,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.OrganizationID = int64Ptr(orgID)
	if periodStart.Valid {
		sub.CurrentPeriodStart = periodStart.Time.UTC()
	}
	if periodEnd.Valid {
		sub.CurrentPeriodEnd = periodEnd.Time.UTC()
	}
	sub.NextBillingDate = sub.NextBillingDate.UTC()
	sub.SuspendedAt = timePtr(suspendedAt)
	sub.CanceledAt = timePtr(canceledAt)
	return &sub, nil
}

func zeroNull(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// CreateSubscription inserts a subscription
func (s *Store) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			tier, owner_id, organization_id, user_count, status,
			current_period_start, current_period_end, next_billing_date,
			gateway_customer_id, gateway_subscription_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	err := s.q.QueryRowContext(ctx, query,
		sub.Tier, sub.OwnerID, nullInt64(sub.OrganizationID), sub.EffectiveUserCount(), sub.Status,
		zeroNull(sub.CurrentPeriodStart), zeroNull(sub.CurrentPeriodEnd), sub.NextBillingDate,
		sub.GatewayCustomerID, sub.GatewaySubscriptionID,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", mapError(err))
	}
	return nil
}

// GetSubscription retrieves a subscription
func (s *Store) GetSubscription(ctx context.Context, id int64) (*billing.Subscription, error) {
	sub, err := scanSubscription(s.q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subscription %d: %w", id, billing.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListDueForInvoicing returns billable subscriptions whose billing date has arrived
func (s *Store) ListDueForInvoicing(ctx context.Context, asOf time.Time) ([]*billing.Subscription, error) {
	return s.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN ('active', 'past_due') AND next_billing_date <= $1
		ORDER BY id
	`, asOf)
}

// ListSubscriptionsByOwner returns the subscriptions owned by an account
func (s *Store) ListSubscriptionsByOwner(ctx context.Context, ownerID int64) ([]*billing.Subscription, error) {
	return s.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE owner_id = $1
		ORDER BY id
	`, ownerID)
}

func (s *Store) listSubscriptions(ctx context.Context, query string, args ...interface{}) ([]*billing.Subscription, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpdateSubscription writes the mutable subscription fields
func (s *Store) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	query := `
		UPDATE subscriptions SET
			user_count = $2, status = $3,
			current_period_start = $4, current_period_end = $5, next_billing_date = $6,
			payment_failed_count = $7, suspended_at = $8, canceled_at = $9,
			updated_at = NOW()
		WHERE id = $1
	`
	res, err := s.q.ExecContext(ctx, query,
		sub.ID, sub.EffectiveUserCount(), sub.Status,
		zeroNull(sub.CurrentPeriodStart), zeroNull(sub.CurrentPeriodEnd), sub.NextBillingDate,
		sub.PaymentFailedCount, nullTime(sub.SuspendedAt), nullTime(sub.CanceledAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return expectOne(res, "subscription", sub.ID)
}

// Invoices

const invoiceColumns = `id, subscription_id, invoice_number, billing_period, invoice_date, due_date,
	amount_cents, currency, status, paid_date, created_at, updated_at`

func scanInvoice(row scanner) (*billing.Invoice, error) {
	var (
		inv      billing.Invoice
		paidDate sql.NullTime
	)
	err := row.Scan(
		&inv.ID, &inv.SubscriptionID, &inv.InvoiceNumber, &inv.BillingPeriod, &inv.InvoiceDate, &inv.DueDate,
		&inv.AmountCents, &inv.Currency, &inv.Status, &paidDate, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.BillingPeriod = inv.BillingPeriod.UTC()
	inv.InvoiceDate = inv.InvoiceDate.UTC()
	inv.DueDate = inv.DueDate.UTC()
	inv.PaidDate = timePtr(paidDate)
	return &inv, nil
}

// GetInvoice retrieves an invoice
func (s *Store) GetInvoice(ctx context.Context, id int64) (*billing.Invoice, error) {
	inv, err := scanInvoice(s.q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invoice %d: %w", id, billing.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// FindOpenInvoice returns the non-cancelled invoice of the billing period
func (s *Store) FindOpenInvoice(ctx context.Context, subscriptionID int64, period time.Time) (*billing.Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + ` FROM invoices
		WHERE subscription_id = $1 AND billing_period = $2 AND status <> 'cancelled'
		ORDER BY id
		LIMIT 1
	`
	inv, err := scanInvoice(s.q.QueryRowContext(ctx, query, subscriptionID, billing.StartOfMonth(period)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open invoice: %w", err)
	}
	return inv, nil
}

// CreateInvoice inserts an invoice
func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	query := `
		INSERT INTO invoices (
			subscription_id, invoice_number, billing_period, invoice_date, due_date,
			amount_cents, currency, status, paid_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`
	err := s.insert(ctx, "create_invoice", query, []interface{}{
		inv.SubscriptionID, inv.InvoiceNumber, inv.BillingPeriod, inv.InvoiceDate, inv.DueDate,
		inv.AmountCents, inv.Currency, inv.Status, nullTime(inv.PaidDate),
	}, &inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

// UpdateInvoice writes the invoice status and paid date
func (s *Store) UpdateInvoice(ctx context.Context, inv *billing.Invoice) error {
	query := `
		UPDATE invoices SET status = $2, paid_date = $3, updated_at = NOW()
		WHERE id = $1
	`
	res, err := s.q.ExecContext(ctx, query, inv.ID, inv.Status, nullTime(inv.PaidDate))
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	return expectOne(res, "invoice", inv.ID)
}

// ListUnpaidDue returns unpaid invoices due on or before asOf
func (s *Store) ListUnpaidDue(ctx context.Context, asOf time.Time) ([]*billing.Invoice, error) {
	return s.listInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status = 'unpaid' AND due_date <= $1
		ORDER BY id
	`, asOf)
}

// ListInvoicesBySubscription returns the invoices of a subscription
func (s *Store) ListInvoicesBySubscription(ctx context.Context, subscriptionID int64) ([]*billing.Invoice, error) {
	return s.listInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE subscription_id = $1
		ORDER BY id
	`, subscriptionID)
}

func (s *Store) listInvoices(ctx context.Context, query string, args ...interface{}) ([]*billing.Invoice, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// Payments

// FindCompletedPayment returns a completed payment for the invoice or transaction
func (s *Store) FindCompletedPayment(ctx context.Context, invoiceID int64, transactionID string) (*billing.Payment, error) {
	query := `
		SELECT id, invoice_id, transaction_id, amount_cents, currency, status, payment_date
		FROM payments
		WHERE status = 'completed' AND (invoice_id = $1 OR ($2 <> '' AND transaction_id = $2))
		ORDER BY id
		LIMIT 1
	`
	var p billing.Payment
	err := s.q.QueryRowContext(ctx, query, invoiceID, transactionID).Scan(
		&p.ID, &p.InvoiceID, &p.TransactionID, &p.AmountCents, &p.Currency, &p.Status, &p.PaymentDate,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	p.PaymentDate = p.PaymentDate.UTC()
	return &p, nil
}

// CreatePayment inserts a payment
func (s *Store) CreatePayment(ctx context.Context, p *billing.Payment) error {
	query := `
		INSERT INTO payments (invoice_id, transaction_id, amount_cents, currency, status, payment_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := s.insert(ctx, "create_payment", query, []interface{}{
		p.InvoiceID, p.TransactionID, p.AmountCents, p.Currency, p.Status, p.PaymentDate,
	}, &p.ID)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// Failure logs

const failureColumns = `id, invoice_id, retry_attempt, failure_date, schedule_anchor, status, failure_reason, message, retried_at`

func scanFailure(row scanner) (*billing.PaymentFailureLog, error) {
	var (
		f         billing.PaymentFailureLog
		retriedAt sql.NullTime
	)
	err := row.Scan(&f.ID, &f.InvoiceID, &f.RetryAttempt, &f.FailureDate, &f.ScheduleAnchor,
		&f.Status, &f.FailureReason, &f.Message, &retriedAt)
	if err != nil {
		return nil, err
	}
	f.FailureDate = f.FailureDate.UTC()
	f.ScheduleAnchor = f.ScheduleAnchor.UTC()
	f.RetriedAt = timePtr(retriedAt)
	return &f, nil
}

// LatestFailure returns the newest failure log of an invoice
func (s *Store) LatestFailure(ctx context.Context, invoiceID int64) (*billing.PaymentFailureLog, error) {
	return s.latestFailure(ctx, `
		SELECT `+failureColumns+` FROM payment_failure_logs
		WHERE invoice_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, invoiceID)
}

// LatestPendingFailure returns the newest pending_retry log of an invoice
func (s *Store) LatestPendingFailure(ctx context.Context, invoiceID int64) (*billing.PaymentFailureLog, error) {
	return s.latestFailure(ctx, `
		SELECT `+failureColumns+` FROM payment_failure_logs
		WHERE invoice_id = $1 AND status = 'pending_retry'
		ORDER BY id DESC
		LIMIT 1
	`, invoiceID)
}

func (s *Store) latestFailure(ctx context.Context, query string, invoiceID int64) (*billing.PaymentFailureLog, error) {
	f, err := scanFailure(s.q.QueryRowContext(ctx, query, invoiceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failure log: %w", err)
	}
	return f, nil
}

// CreateFailure inserts a failure log
func (s *Store) CreateFailure(ctx context.Context, f *billing.PaymentFailureLog) error {
	query := `
		INSERT INTO payment_failure_logs (
			invoice_id, retry_attempt, failure_date, schedule_anchor, status, failure_reason, message, retried_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := s.q.QueryRowContext(ctx, query,
		f.InvoiceID, f.RetryAttempt, f.FailureDate, f.ScheduleAnchor, f.Status, f.FailureReason, f.Message, nullTime(f.RetriedAt),
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("failed to create failure log: %w", mapError(err))
	}
	return nil
}

// UpdateFailure writes the failure log status and retry time
func (s *Store) UpdateFailure(ctx context.Context, f *billing.PaymentFailureLog) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE payment_failure_logs SET status = $2, retried_at = $3 WHERE id = $1`,
		f.ID, f.Status, nullTime(f.RetriedAt))
	if err != nil {
		return fmt.Errorf("failed to update failure log: %w", err)
	}
	return expectOne(res, "failure log", f.ID)
}

// RetriedOn reports whether a retry of the invoice ran on day
func (s *Store) RetriedOn(ctx context.Context, invoiceID int64, day time.Time) (bool, error) {
	start := billing.DateOf(day)
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payment_failure_logs
			WHERE invoice_id = $1 AND retried_at >= $2 AND retried_at < $3
		)
	`, invoiceID, start, billing.AddDays(start, 1)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check retries: %w", err)
	}
	return exists, nil
}

// ResolveFailures marks the open failure logs of an invoice resolved
func (s *Store) ResolveFailures(ctx context.Context, invoiceID int64) (int, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE payment_failure_logs SET status = 'resolved' WHERE invoice_id = $1 AND status <> 'resolved'`,
		invoiceID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve failure logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// Events

const eventColumns = `id, subscription_id, account_id, event_type, event_data, milestone, triggered_by, event_date, notes`

func scanEvent(row scanner) (*billing.SubscriptionEvent, error) {
	var (
		ev        billing.SubscriptionEvent
		accountID sql.NullInt64
		dataJSON  []byte
	)
	err := row.Scan(&ev.ID, &ev.SubscriptionID, &accountID, &ev.EventType, &dataJSON,
		&ev.Milestone, &ev.TriggeredBy, &ev.EventDate, &ev.Notes)
	if err != nil {
		return nil, err
	}
	ev.AccountID = int64Ptr(accountID)
	ev.EventDate = ev.EventDate.UTC()
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &ev.EventData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
	}
	return &ev, nil
}

// AppendEvent inserts an event, assigning its ID
func (s *Store) AppendEvent(ctx context.Context, ev *billing.SubscriptionEvent) error {
	var dataJSON []byte
	if ev.EventData != nil {
		var err error
		dataJSON, err = json.Marshal(ev.EventData)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}
	query := `
		INSERT INTO subscription_events (
			subscription_id, account_id, event_type, event_data, milestone, triggered_by, event_date, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := s.q.QueryRowContext(ctx, query,
		ev.SubscriptionID, nullInt64(ev.AccountID), ev.EventType, dataJSON,
		ev.Milestone, ev.TriggeredBy, ev.EventDate, ev.Notes,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", mapError(err))
	}
	return nil
}

// ListEvents returns the events of a subscription in insertion order
func (s *Store) ListEvents(ctx context.Context, subscriptionID int64) ([]*billing.SubscriptionEvent, error) {
	return s.listEvents(ctx, `
		SELECT `+eventColumns+` FROM subscription_events
		WHERE subscription_id = $1
		ORDER BY id
	`, subscriptionID)
}

// ListEventsBetween returns events dated in [from, to)
func (s *Store) ListEventsBetween(ctx context.Context, from, to time.Time) ([]*billing.SubscriptionEvent, error) {
	return s.listEvents(ctx, `
		SELECT `+eventColumns+` FROM subscription_events
		WHERE event_date >= $1 AND event_date < $2
		ORDER BY id
	`, from, to)
}

// HasMilestone reports whether an account level milestone was recorded
func (s *Store) HasMilestone(ctx context.Context, accountID int64, eventType billing.EventType, milestone string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM subscription_events
			WHERE account_id = $1 AND event_type = $2 AND milestone = $3
		)
	`, accountID, eventType, milestone).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check milestone: %w", err)
	}
	return exists, nil
}

func (s *Store) listEvents(ctx context.Context, query string, args ...interface{}) ([]*billing.SubscriptionEvent, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*billing.SubscriptionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func expectOne(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, billing.ErrNotFound)
	}
	return nil
}
