package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// GracePeriodManager opens grace periods and sends the grace notices
type GracePeriodManager struct {
	store   Store
	policy  *Policy
	events  *EventLog
	notices *noticeSender
	clock   clockwork.Clock
	logger  logrus.FieldLogger
}

// NewGracePeriodManager creates a GracePeriodManager
func NewGracePeriodManager(d Deps) *GracePeriodManager {
	d = d.withDefaults()
	logger := d.Logger.WithField("component", "grace_period")
	events := NewEventLog(d.Clock, d.Logger)
	return &GracePeriodManager{
		store:  d.Store,
		policy: d.Policy,
		events: events,
		notices: &noticeSender{
			notifier: d.Notifier,
			events:   events,
			metrics:  d.Metrics,
			logger:   logger,
		},
		clock:  d.Clock,
		logger: logger,
	}
}

// Begin starts the grace period of the subscription owner. It does nothing
// when the owner is already in grace or closed. The subscription keeps its
// past_due status.
func (m *GracePeriodManager) Begin(ctx context.Context, sub *Subscription) (bool, error) {
	var (
		acct    *Account
		started bool
		now     = m.clock.Now().UTC()
	)
	err := m.store.InTx(ctx, func(tx Store) error {
		var err error
		acct, err = tx.GetAccount(ctx, sub.OwnerID)
		if err != nil {
			return err
		}
		if acct.PaymentGracePeriodStart != nil || acct.Status.Terminal() {
			return nil
		}
		if acct.Status != AccountStatusSuspended {
			if err := acct.Transition(TriggerGraceStarted); err != nil {
				return err
			}
		}
		acct.PaymentGracePeriodStart = &now
		acct.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return fmt.Errorf("failed to start grace period: %w", err)
		}
		accountID := acct.ID
		started = true
		return m.events.Record(ctx, tx, &SubscriptionEvent{
			SubscriptionID: sub.ID,
			AccountID:      &accountID,
			EventType:      EventGracePeriodStarted,
			EventData: map[string]any{
				"grace_start": DateOf(now).Format("2006-01-02"),
				"grace_days":  m.policy.GraceDays,
			},
		})
	})
	if err != nil || !started {
		return false, err
	}

	m.logger.WithFields(logrus.Fields{
		"account_id":      acct.ID,
		"subscription_id": sub.ID,
	}).Warn("Grace period started")

	if _, err := m.notices.sendOnce(ctx, m.store, acct, sub.ID, EventGraceNoticeSent,
		graceMilestone(now, 1), m.policy.GraceTemplate(1), m.noticeData(acct, 1)); err != nil {
		m.logger.WithError(err).WithField("account_id", acct.ID).Warn("Failed to record grace notice")
	}
	return true, nil
}

// Run sends the grace notice due today to every account in grace
func (m *GracePeriodManager) Run(ctx context.Context) (*RunReport, error) {
	now := m.clock.Now().UTC()
	today := DateOf(now)
	report := newRunReport(StageGrace, now)
	defer func() { report.FinishedAt = m.clock.Now().UTC() }()

	accounts, err := m.store.ListAccountsInGrace(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list accounts in grace: %w", err)
	}
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		acct := acct
		report.process(m.logger, itemRef{AccountID: acct.ID}, func() (bool, error) {
			return m.notify(ctx, acct, today)
		})
	}
	return report, nil
}

func (m *GracePeriodManager) notify(ctx context.Context, acct *Account, today time.Time) (bool, error) {
	if acct.PaymentGracePeriodStart == nil {
		return true, nil
	}
	days := DaysBetween(*acct.PaymentGracePeriodStart, today)
	if !m.policy.IsGraceNoticeDay(days) {
		return true, nil
	}
	sub, err := primarySubscription(ctx, m.store, acct.ID)
	if err != nil {
		return false, err
	}
	sent, err := m.notices.sendOnce(ctx, m.store, acct, sub.ID, EventGraceNoticeSent,
		graceMilestone(*acct.PaymentGracePeriodStart, days), m.policy.GraceTemplate(days), m.noticeData(acct, days))
	return !sent, err
}

func (m *GracePeriodManager) noticeData(acct *Account, day int) map[string]any {
	return map[string]any{
		"name":             acct.Name,
		"email":            acct.Email,
		"day_of_grace":     day,
		"days_until_block": m.policy.GraceDays - day,
	}
}
