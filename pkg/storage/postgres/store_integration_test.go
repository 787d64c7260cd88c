//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/recur/pkg/billing"
)

func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("recur_test"),
		tcpostgres.WithUsername("recur"),
		tcpostgres.WithPassword("recur"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, Migrate(ctx, db))
	return db
}

type noopGateway struct{ charges int }

func (g *noopGateway) DefaultPaymentMethod(context.Context, string) (*billing.PaymentMethod, error) {
	return &billing.PaymentMethod{ID: "pm_card_visa"}, nil
}

func (g *noopGateway) Charge(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeResult, error) {
	g.charges++
	return &billing.ChargeResult{Success: true, TransactionID: "pi_" + req.IdempotencyKey}, nil
}

func (g *noopGateway) CancelSubscription(context.Context, string) error { return nil }

func (g *noopGateway) VerifyWebhookSignature([]byte, string) bool { return true }

func TestStore_BillingCycle_Integration(t *testing.T) {
	db := setupPostgres(t)
	store := NewStore(db)
	ctx := context.Background()
	day0 := time.Date(2024, time.March, 1, 6, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(day0)
	logger, _ := test.NewNullLogger()
	gateway := &noopGateway{}

	owner := &billing.Account{Kind: billing.AccountKindUser, Email: "owner@example.com", Status: billing.AccountStatusActive}
	require.NoError(t, store.CreateAccount(ctx, owner))
	sub := &billing.Subscription{
		Tier:              billing.TierMomentum,
		OwnerID:           owner.ID,
		UserCount:         2,
		Status:            billing.SubscriptionStatusActive,
		NextBillingDate:   billing.DateOf(day0),
		GatewayCustomerID: "cus_1",
	}
	require.NoError(t, store.CreateSubscription(ctx, sub))

	svc := billing.NewService(billing.Deps{
		Store:   store,
		Gateway: gateway,
		Clock:   clock,
		Logger:  logger,
	}, nil)

	for i := 0; i < 2; i++ {
		_, err := svc.Runner().Run(ctx, billing.JobInvoices)
		require.NoError(t, err)
	}
	invoices, err := store.ListInvoicesBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, int64(3000), invoices[0].AmountCents)

	// the partial unique index rejects a second open invoice for the period
	dup := *invoices[0]
	dup.InvoiceNumber = "INV-DUPLICATE"
	assert.ErrorIs(t, store.CreateInvoice(ctx, &dup), billing.ErrDuplicate)
	require.NoError(t, store.InTx(ctx, func(tx billing.Store) error {
		if err := tx.CreateInvoice(ctx, &dup); !errors.Is(err, billing.ErrDuplicate) {
			return err
		}
		_, err := tx.GetInvoice(ctx, invoices[0].ID)
		return err
	}))

	clock.Advance(7 * 24 * time.Hour)
	for i := 0; i < 2; i++ {
		_, err := svc.Runner().Run(ctx, billing.JobDunning)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, gateway.charges)

	inv, err := store.GetInvoice(ctx, invoices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStatusPaid, inv.Status)

	events, err := svc.ListEvents(ctx, sub.ID)
	require.NoError(t, err)
	var types []billing.EventType
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []billing.EventType{billing.EventInvoiceGenerated, billing.EventPaymentSucceeded}, types)
}
