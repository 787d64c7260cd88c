// Package memory provides an in-process billing.Store.
//
// All state sits behind one mutex. InTx holds the mutex for the whole
// transaction and restores a snapshot when the callback fails, so a
// transaction is serialized against every other call.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/recur/pkg/billing"
)

type data struct {
	nextID   int64
	accounts map[int64]billing.Account
	subs     map[int64]billing.Subscription
	invoices map[int64]billing.Invoice
	payments map[int64]billing.Payment
	failures map[int64]billing.PaymentFailureLog
	events   []billing.SubscriptionEvent
}

func newData() *data {
	return &data{
		accounts: map[int64]billing.Account{},
		subs:     map[int64]billing.Subscription{},
		invoices: map[int64]billing.Invoice{},
		payments: map[int64]billing.Payment{},
		failures: map[int64]billing.PaymentFailureLog{},
	}
}

func (d *data) clone() *data {
	c := newData()
	c.nextID = d.nextID
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.subs {
		c.subs[k] = v
	}
	for k, v := range d.invoices {
		c.invoices[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.failures {
		c.failures[k] = v
	}
	c.events = append([]billing.SubscriptionEvent(nil), d.events...)
	return c
}

func (d *data) id() int64 {
	d.nextID++
	return d.nextID
}

// Store is a mutex guarded in-memory billing.Store
type Store struct {
	root *Store
	mu   sync.Mutex
	d    *data
}

var _ billing.Store = (*Store)(nil)

// New creates an empty Store
func New() *Store {
	return &Store{d: newData()}
}

// lock returns the unlock func; transaction views are already locked
func (s *Store) lock() func() {
	if s.root != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) state() *data {
	if s.root != nil {
		return s.root.d
	}
	return s.d
}

// InTx runs fn with exclusive access, rolling back on error
func (s *Store) InTx(ctx context.Context, fn func(tx billing.Store) error) error {
	if s.root != nil {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.d.clone()
	if err := fn(&Store{root: s}); err != nil {
		s.d = snapshot
		return err
	}
	return nil
}

// LockInvoice only checks the invoice exists; InTx already serializes
func (s *Store) LockInvoice(ctx context.Context, invoiceID int64) error {
	defer s.lock()()
	if _, ok := s.state().invoices[invoiceID]; !ok {
		return fmt.Errorf("invoice %d: %w", invoiceID, billing.ErrNotFound)
	}
	return nil
}

// CreateAccount inserts an account, assigning its ID
func (s *Store) CreateAccount(ctx context.Context, a *billing.Account) error {
	defer s.lock()()
	d := s.state()
	a.ID = d.id()
	if a.Status == "" {
		a.Status = billing.AccountStatusActive
	}
	d.accounts[a.ID] = *a
	return nil
}

// GetAccount retrieves an account
func (s *Store) GetAccount(ctx context.Context, id int64) (*billing.Account, error) {
	defer s.lock()()
	a, ok := s.state().accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, billing.ErrNotFound)
	}
	return &a, nil
}

// UpdateAccount replaces an account
func (s *Store) UpdateAccount(ctx context.Context, a *billing.Account) error {
	defer s.lock()()
	d := s.state()
	if _, ok := d.accounts[a.ID]; !ok {
		return fmt.Errorf("account %d: %w", a.ID, billing.ErrNotFound)
	}
	d.accounts[a.ID] = *a
	return nil
}

// ListAccountsInGrace returns accounts in their grace period
func (s *Store) ListAccountsInGrace(ctx context.Context) ([]*billing.Account, error) {
	return s.listAccounts(func(a billing.Account) bool {
		return a.Status == billing.AccountStatusSuspended && a.PaymentGracePeriodStart != nil && a.SuspensionDate == nil
	}), nil
}

// ListSuspendedAccounts returns formally suspended accounts
func (s *Store) ListSuspendedAccounts(ctx context.Context) ([]*billing.Account, error) {
	return s.listAccounts(func(a billing.Account) bool {
		return a.Status == billing.AccountStatusSuspended && a.SuspensionDate != nil
	}), nil
}

func (s *Store) listAccounts(match func(billing.Account) bool) []*billing.Account {
	defer s.lock()()
	var out []*billing.Account
	for _, a := range s.state().accounts {
		if match(a) {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateSubscription inserts a subscription, assigning its ID
func (s *Store) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	defer s.lock()()
	d := s.state()
	if _, ok := d.accounts[sub.OwnerID]; !ok {
		return fmt.Errorf("owner %d: %w", sub.OwnerID, billing.ErrNotFound)
	}
	sub.ID = d.id()
	if sub.Status == "" {
		sub.Status = billing.SubscriptionStatusActive
	}
	d.subs[sub.ID] = *sub
	return nil
}

// GetSubscription retrieves a subscription
func (s *Store) GetSubscription(ctx context.Context, id int64) (*billing.Subscription, error) {
	defer s.lock()()
	sub, ok := s.state().subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %d: %w", id, billing.ErrNotFound)
	}
	return &sub, nil
}

// ListDueForInvoicing returns billable subscriptions due on or before asOf
func (s *Store) ListDueForInvoicing(ctx context.Context, asOf time.Time) ([]*billing.Subscription, error) {
	return s.listSubs(func(sub billing.Subscription) bool {
		billable := sub.Status == billing.SubscriptionStatusActive || sub.Status == billing.SubscriptionStatusPastDue
		return billable && !sub.NextBillingDate.After(asOf)
	}), nil
}

// ListSubscriptionsByOwner returns the subscriptions owned by an account
func (s *Store) ListSubscriptionsByOwner(ctx context.Context, ownerID int64) ([]*billing.Subscription, error) {
	return s.listSubs(func(sub billing.Subscription) bool { return sub.OwnerID == ownerID }), nil
}

func (s *Store) listSubs(match func(billing.Subscription) bool) []*billing.Subscription {
	defer s.lock()()
	var out []*billing.Subscription
	for _, sub := range s.state().subs {
		if match(sub) {
			sub := sub
			out = append(out, &sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateSubscription replaces a subscription
func (s *Store) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	defer s.lock()()
	d := s.state()
	if _, ok := d.subs[sub.ID]; !ok {
		return fmt.Errorf("subscription %d: %w", sub.ID, billing.ErrNotFound)
	}
	d.subs[sub.ID] = *sub
	return nil
}

// GetInvoice retrieves an invoice
func (s *Store) GetInvoice(ctx context.Context, id int64) (*billing.Invoice, error) {
	defer s.lock()()
	inv, ok := s.state().invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %d: %w", id, billing.ErrNotFound)
	}
	return &inv, nil
}

// FindOpenInvoice returns the non-cancelled invoice dated in period's month
func (s *Store) FindOpenInvoice(ctx context.Context, subscriptionID int64, period time.Time) (*billing.Invoice, error) {
	defer s.lock()()
	return s.state().openInvoice(subscriptionID, period), nil
}

func (d *data) openInvoice(subscriptionID int64, period time.Time) *billing.Invoice {
	month := billing.StartOfMonth(period)
	var found *billing.Invoice
	for _, inv := range d.invoices {
		if inv.SubscriptionID != subscriptionID || inv.Status == billing.InvoiceStatusCancelled {
			continue
		}
		if billing.StartOfMonth(inv.InvoiceDate).Equal(month) && (found == nil || inv.ID < found.ID) {
			inv := inv
			found = &inv
		}
	}
	return found
}

// CreateInvoice inserts an invoice, enforcing one open invoice per period
func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	defer s.lock()()
	d := s.state()
	if _, ok := d.subs[inv.SubscriptionID]; !ok {
		return fmt.Errorf("subscription %d: %w", inv.SubscriptionID, billing.ErrNotFound)
	}
	for _, other := range d.invoices {
		if other.InvoiceNumber == inv.InvoiceNumber {
			return fmt.Errorf("invoice number %s: %w", inv.InvoiceNumber, billing.ErrDuplicate)
		}
	}
	if inv.Status != billing.InvoiceStatusCancelled && d.openInvoice(inv.SubscriptionID, inv.InvoiceDate) != nil {
		return fmt.Errorf("open invoice for subscription %d: %w", inv.SubscriptionID, billing.ErrDuplicate)
	}
	inv.ID = d.id()
	d.invoices[inv.ID] = *inv
	return nil
}

// UpdateInvoice replaces an invoice
func (s *Store) UpdateInvoice(ctx context.Context, inv *billing.Invoice) error {
	defer s.lock()()
	d := s.state()
	if _, ok := d.invoices[inv.ID]; !ok {
		return fmt.Errorf("invoice %d: %w", inv.ID, billing.ErrNotFound)
	}
	d.invoices[inv.ID] = *inv
	return nil
}

// ListUnpaidDue returns unpaid invoices due on or before asOf
func (s *Store) ListUnpaidDue(ctx context.Context, asOf time.Time) ([]*billing.Invoice, error) {
	return s.listInvoices(func(inv billing.Invoice) bool {
		return inv.Status == billing.InvoiceStatusUnpaid && !inv.DueDate.After(asOf)
	}), nil
}

// ListInvoicesBySubscription returns every invoice of a subscription
func (s *Store) ListInvoicesBySubscription(ctx context.Context, subscriptionID int64) ([]*billing.Invoice, error) {
	return s.listInvoices(func(inv billing.Invoice) bool { return inv.SubscriptionID == subscriptionID }), nil
}

func (s *Store) listInvoices(match func(billing.Invoice) bool) []*billing.Invoice {
	defer s.lock()()
	var out []*billing.Invoice
	for _, inv := range s.state().invoices {
		if match(inv) {
			inv := inv
			out = append(out, &inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindCompletedPayment returns a completed payment for the invoice or transaction
func (s *Store) FindCompletedPayment(ctx context.Context, invoiceID int64, transactionID string) (*billing.Payment, error) {
	defer s.lock()()
	for _, p := range s.state().payments {
		if p.Status != billing.PaymentStatusCompleted {
			continue
		}
		if p.InvoiceID == invoiceID || (transactionID != "" && p.TransactionID == transactionID) {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

// CreatePayment inserts a payment
func (s *Store) CreatePayment(ctx context.Context, p *billing.Payment) error {
	defer s.lock()()
	d := s.state()
	for _, other := range d.payments {
		if other.TransactionID == p.TransactionID {
			return fmt.Errorf("transaction %s: %w", p.TransactionID, billing.ErrDuplicate)
		}
		if other.InvoiceID == p.InvoiceID && other.Status == billing.PaymentStatusCompleted && p.Status == billing.PaymentStatusCompleted {
			return fmt.Errorf("payment for invoice %d: %w", p.InvoiceID, billing.ErrDuplicate)
		}
	}
	p.ID = d.id()
	d.payments[p.ID] = *p
	return nil
}

// LatestFailure returns the newest failure log of an invoice
func (s *Store) LatestFailure(ctx context.Context, invoiceID int64) (*billing.PaymentFailureLog, error) {
	return s.latestFailure(invoiceID, func(billing.PaymentFailureLog) bool { return true }), nil
}

// LatestPendingFailure returns the newest pending_retry log of an invoice
func (s *Store) LatestPendingFailure(ctx context.Context, invoiceID int64) (*billing.PaymentFailureLog, error) {
	return s.latestFailure(invoiceID, func(f billing.PaymentFailureLog) bool {
		return f.Status == billing.FailureStatusPendingRetry
	}), nil
}

func (s *Store) latestFailure(invoiceID int64, match func(billing.PaymentFailureLog) bool) *billing.PaymentFailureLog {
	defer s.lock()()
	var latest *billing.PaymentFailureLog
	for _, f := range s.state().failures {
		if f.InvoiceID != invoiceID || !match(f) {
			continue
		}
		if latest == nil || f.ID > latest.ID {
			f := f
			latest = &f
		}
	}
	return latest
}

// CreateFailure inserts a failure log
func (s *Store) CreateFailure(ctx context.Context, f *billing.PaymentFailureLog) error {
	defer s.lock()()
	d := s.state()
	if _, ok := d.invoices[f.InvoiceID]; !ok {
		return fmt.Errorf("invoice %d: %w", f.InvoiceID, billing.ErrNotFound)
	}
	f.ID = d.id()
	d.failures[f.ID] = *f
	return nil
}

// UpdateFailure replaces a failure log
func (s *Store) UpdateFailure(ctx context.Context, f *billing.PaymentFailureLog) error {
	defer s.lock()()
	d := s.state()
	if _, ok := d.failures[f.ID]; !ok {
		return fmt.Errorf("failure log %d: %w", f.ID, billing.ErrNotFound)
	}
	d.failures[f.ID] = *f
	return nil
}

// RetriedOn reports whether a retry of the invoice ran on day
func (s *Store) RetriedOn(ctx context.Context, invoiceID int64, day time.Time) (bool, error) {
	defer s.lock()()
	for _, f := range s.state().failures {
		if f.InvoiceID == invoiceID && f.RetriedAt != nil && billing.SameDay(*f.RetriedAt, day) {
			return true, nil
		}
	}
	return false, nil
}

// ResolveFailures marks the open failure logs of an invoice resolved
func (s *Store) ResolveFailures(ctx context.Context, invoiceID int64) (int, error) {
	defer s.lock()()
	d := s.state()
	n := 0
	for id, f := range d.failures {
		if f.InvoiceID != invoiceID || f.Status == billing.FailureStatusResolved {
			continue
		}
		f.Status = billing.FailureStatusResolved
		d.failures[id] = f
		n++
	}
	return n, nil
}

// AppendEvent appends an event, assigning its ID
func (s *Store) AppendEvent(ctx context.Context, ev *billing.SubscriptionEvent) error {
	defer s.lock()()
	d := s.state()
	ev.ID = d.id()
	d.events = append(d.events, *ev)
	return nil
}

// ListEvents returns the events of a subscription in insertion order
func (s *Store) ListEvents(ctx context.Context, subscriptionID int64) ([]*billing.SubscriptionEvent, error) {
	return s.listEvents(func(ev billing.SubscriptionEvent) bool { return ev.SubscriptionID == subscriptionID }), nil
}

// ListEventsBetween returns events dated in [from, to)
func (s *Store) ListEventsBetween(ctx context.Context, from, to time.Time) ([]*billing.SubscriptionEvent, error) {
	return s.listEvents(func(ev billing.SubscriptionEvent) bool {
		return !ev.EventDate.Before(from) && ev.EventDate.Before(to)
	}), nil
}

// HasMilestone reports whether an account level milestone was recorded
func (s *Store) HasMilestone(ctx context.Context, accountID int64, eventType billing.EventType, milestone string) (bool, error) {
	return len(s.listEvents(func(ev billing.SubscriptionEvent) bool {
		return ev.AccountID != nil && *ev.AccountID == accountID && ev.EventType == eventType && ev.Milestone == milestone
	})) > 0, nil
}

func (s *Store) listEvents(match func(billing.SubscriptionEvent) bool) []*billing.SubscriptionEvent {
	defer s.lock()()
	var out []*billing.SubscriptionEvent
	for _, ev := range s.state().events {
		if match(ev) {
			ev := ev
			out = append(out, &ev)
		}
	}
	return out
}
