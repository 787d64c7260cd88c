package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/storage/memory"
)

// day0 is the first billing date used by the fixtures
var day0 = time.Date(2024, time.March, 1, 6, 0, 0, 0, time.UTC)

// mockGateway is a mock implementation of billing.PaymentGateway
type mockGateway struct {
	mu sync.Mutex

	defaultPaymentMethodFunc func(ctx context.Context, customerRef string) (*billing.PaymentMethod, error)
	chargeFunc               func(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeResult, error)
	cancelSubscriptionFunc   func(ctx context.Context, id string) error
	verifyFunc               func(payload []byte, signature string) bool

	lookups []string
	charges []billing.ChargeRequest
	cancels []string
}

func (m *mockGateway) DefaultPaymentMethod(ctx context.Context, customerRef string) (*billing.PaymentMethod, error) {
	m.mu.Lock()
	m.lookups = append(m.lookups, customerRef)
	m.mu.Unlock()
	if m.defaultPaymentMethodFunc != nil {
		return m.defaultPaymentMethodFunc(ctx, customerRef)
	}
	return &billing.PaymentMethod{ID: "pm_card_visa", Type: "card", Brand: "visa", Last4: "4242"}, nil
}

func (m *mockGateway) Charge(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeResult, error) {
	m.mu.Lock()
	m.charges = append(m.charges, req)
	m.mu.Unlock()
	if m.chargeFunc != nil {
		return m.chargeFunc(ctx, req)
	}
	return &billing.ChargeResult{Success: true, TransactionID: "pi_" + req.IdempotencyKey}, nil
}

func (m *mockGateway) CancelSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	m.cancels = append(m.cancels, id)
	m.mu.Unlock()
	if m.cancelSubscriptionFunc != nil {
		return m.cancelSubscriptionFunc(ctx, id)
	}
	return nil
}

func (m *mockGateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	if m.verifyFunc != nil {
		return m.verifyFunc(payload, signature)
	}
	return signature == "valid"
}

func (m *mockGateway) chargeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.charges)
}

func (m *mockGateway) lookupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lookups)
}

func (m *mockGateway) cancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}

func declineAll(reason billing.FailureReason) func(context.Context, billing.ChargeRequest) (*billing.ChargeResult, error) {
	return func(context.Context, billing.ChargeRequest) (*billing.ChargeResult, error) {
		return &billing.ChargeResult{FailureReason: reason, Message: "declined"}, nil
	}
}

type notice struct {
	AccountID int64
	Template  string
	Data      map[string]any
}

// mockNotifier records delivered notices
type mockNotifier struct {
	mu         sync.Mutex
	notifyFunc func(ctx context.Context, accountID int64, template string) error
	notices    []notice
}

func (n *mockNotifier) Notify(ctx context.Context, accountID int64, template string, data map[string]any) error {
	if n.notifyFunc != nil {
		if err := n.notifyFunc(ctx, accountID, template); err != nil {
			return err
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{AccountID: accountID, Template: template, Data: data})
	return nil
}

func (n *mockNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notices))
	for _, x := range n.notices {
		out = append(out, x.Template)
	}
	return out
}

func (n *mockNotifier) last() notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.notices[len(n.notices)-1]
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	clock    *clockwork.FakeClock
	store    *memory.Store
	gateway  *mockGateway
	notifier *mockNotifier
	policy   *billing.Policy
	logs     *test.Hook
	deps     billing.Deps
	owner    *billing.Account
	sub      *billing.Subscription
}

// newFixture seeds a spark subscription with three users, billed on day0
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	policy := billing.DefaultPolicy()

	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		clock:    clockwork.NewFakeClockAt(day0),
		store:    memory.New(),
		gateway:  &mockGateway{},
		notifier: &mockNotifier{},
		policy:   &policy,
		logs:     hook,
	}
	f.deps = billing.Deps{
		Store:    f.store,
		Gateway:  f.gateway,
		Notifier: f.notifier,
		Clock:    f.clock,
		Logger:   logger,
		Policy:   f.policy,
	}

	f.owner = f.createAccount(billing.AccountKindUser, "owner@example.com")
	f.sub = f.createSubscription(billing.TierSpark, 3, nil)
	return f
}

func (f *fixture) createAccount(kind billing.AccountKind, email string) *billing.Account {
	f.t.Helper()
	a := &billing.Account{Kind: kind, Email: email, Name: email, Status: billing.AccountStatusActive}
	require.NoError(f.t, f.store.CreateAccount(f.ctx, a))
	return a
}

func (f *fixture) createSubscription(tier billing.Tier, users int, orgID *int64) *billing.Subscription {
	f.t.Helper()
	sub := &billing.Subscription{
		Tier:                  tier,
		OwnerID:               f.owner.ID,
		OrganizationID:        orgID,
		UserCount:             users,
		Status:                billing.SubscriptionStatusActive,
		NextBillingDate:       billing.DateOf(f.clock.Now()),
		GatewayCustomerID:     "cus_123",
		GatewaySubscriptionID: "sub_123",
	}
	require.NoError(f.t, f.store.CreateSubscription(f.ctx, sub))
	return sub
}

// setDay moves the clock to day0 + n days
func (f *fixture) setDay(n int) {
	target := day0.AddDate(0, 0, n)
	f.clock.Advance(target.Sub(f.clock.Now()))
}

func (f *fixture) service() *billing.Service {
	return billing.NewService(f.deps, nil)
}

func (f *fixture) subscription() *billing.Subscription {
	f.t.Helper()
	sub, err := f.store.GetSubscription(f.ctx, f.sub.ID)
	require.NoError(f.t, err)
	return sub
}

func (f *fixture) account(id int64) *billing.Account {
	f.t.Helper()
	a, err := f.store.GetAccount(f.ctx, id)
	require.NoError(f.t, err)
	return a
}

func (f *fixture) invoices() []*billing.Invoice {
	f.t.Helper()
	invs, err := f.store.ListInvoicesBySubscription(f.ctx, f.sub.ID)
	require.NoError(f.t, err)
	return invs
}

func (f *fixture) invoice(id int64) *billing.Invoice {
	f.t.Helper()
	inv, err := f.store.GetInvoice(f.ctx, id)
	require.NoError(f.t, err)
	return inv
}

// events returns the subscription's events of the given types, or all events
func (f *fixture) events(types ...billing.EventType) []*billing.SubscriptionEvent {
	f.t.Helper()
	all, err := f.store.ListEvents(f.ctx, f.sub.ID)
	require.NoError(f.t, err)
	if len(types) == 0 {
		return all
	}
	var out []*billing.SubscriptionEvent
	for _, ev := range all {
		for _, typ := range types {
			if ev.EventType == typ {
				out = append(out, ev)
			}
		}
	}
	return out
}

// issueInvoice generates the invoice for the current month and returns it
func (f *fixture) issueInvoice() *billing.Invoice {
	f.t.Helper()
	_, err := billing.NewInvoiceGenerator(f.deps).Generate(f.ctx)
	require.NoError(f.t, err)
	invs := f.invoices()
	require.NotEmpty(f.t, invs)
	return invs[len(invs)-1]
}

// putInGrace starts the owner's grace period daysAgo days before now
func (f *fixture) putInGrace(daysAgo int) {
	f.t.Helper()
	start := f.clock.Now().AddDate(0, 0, -daysAgo)
	owner := f.account(f.owner.ID)
	owner.Status = billing.AccountStatusSuspended
	owner.PaymentGracePeriodStart = &start
	require.NoError(f.t, f.store.UpdateAccount(f.ctx, owner))

	sub := f.subscription()
	sub.Status = billing.SubscriptionStatusPastDue
	sub.PaymentFailedCount = 3
	require.NoError(f.t, f.store.UpdateSubscription(f.ctx, sub))
}

// putInSuspension suspends the owner and subscription daysAgo days before now
func (f *fixture) putInSuspension(daysAgo int) {
	f.t.Helper()
	f.putInGrace(daysAgo + 7)
	at := f.clock.Now().AddDate(0, 0, -daysAgo)
	owner := f.account(f.owner.ID)
	owner.SuspensionDate = &at
	require.NoError(f.t, f.store.UpdateAccount(f.ctx, owner))

	sub := f.subscription()
	sub.Status = billing.SubscriptionStatusSuspended
	sub.SuspendedAt = &at
	require.NoError(f.t, f.store.UpdateSubscription(f.ctx, sub))
}
