package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// SuspensionManager suspends accounts whose grace expired, sends the final
// warnings and deletes accounts that stayed suspended too long.
type SuspensionManager struct {
	store   Store
	gateway PaymentGateway
	policy  *Policy
	events  *EventLog
	notices *noticeSender
	clock   clockwork.Clock
	metrics MetricsRecorder
	logger  logrus.FieldLogger
}

// NewSuspensionManager creates a SuspensionManager
func NewSuspensionManager(d Deps) *SuspensionManager {
	d = d.withDefaults()
	logger := d.Logger.WithField("component", "suspension")
	events := NewEventLog(d.Clock, d.Logger)
	return &SuspensionManager{
		store:   d.Store,
		gateway: d.Gateway,
		policy:  d.Policy,
		events:  events,
		notices: &noticeSender{
			notifier: d.Notifier,
			events:   events,
			metrics:  d.Metrics,
			logger:   logger,
		},
		clock:   d.Clock,
		metrics: d.Metrics,
		logger:  logger,
	}
}

// Run performs both escalation steps for today
func (m *SuspensionManager) Run(ctx context.Context) (*RunReport, error) {
	now := m.clock.Now().UTC()
	today := DateOf(now)
	report := newRunReport(StageSuspension, now)
	defer func() { report.FinishedAt = m.clock.Now().UTC() }()

	inGrace, err := m.store.ListAccountsInGrace(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list accounts in grace: %w", err)
	}
	for _, acct := range inGrace {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		acct := acct
		report.process(m.logger, itemRef{AccountID: acct.ID}, func() (bool, error) {
			if DaysBetween(*acct.PaymentGracePeriodStart, today) < m.policy.GraceDays {
				return true, nil
			}
			suspended, err := m.suspend(ctx, acct.ID)
			return !suspended, err
		})
	}

	suspended, err := m.store.ListSuspendedAccounts(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list suspended accounts: %w", err)
	}
	for _, acct := range suspended {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		acct := acct
		report.process(m.logger, itemRef{AccountID: acct.ID}, func() (bool, error) {
			return m.escalate(ctx, acct, today)
		})
	}
	return report, nil
}

// suspend blocks every open subscription of the owner and the organisations
// they belong to
func (m *SuspensionManager) suspend(ctx context.Context, accountID int64) (bool, error) {
	var (
		acct        *Account
		primary     *Subscription
		transitions []SubscriptionStatus
		now         = m.clock.Now().UTC()
	)
	err := m.store.InTx(ctx, func(tx Store) error {
		var err error
		acct, err = tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.SuspensionDate != nil || acct.PaymentGracePeriodStart == nil || acct.Status.Terminal() {
			acct = nil
			return nil
		}

		subs, err := tx.ListSubscriptionsByOwner(ctx, acct.ID)
		if err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		orgs := map[int64]bool{}
		for _, sub := range subs {
			if sub.Status.Terminal() {
				continue
			}
			if primary == nil {
				primary = sub
			}
			if sub.OrganizationID != nil {
				orgs[*sub.OrganizationID] = true
			}
			if sub.Status == SubscriptionStatusSuspended {
				continue
			}
			from := sub.Status
			if err := sub.Transition(TriggerGraceExpired); err != nil {
				return err
			}
			sub.SuspendedAt = &now
			sub.UpdatedAt = now
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return fmt.Errorf("failed to suspend subscription %d: %w", sub.ID, err)
			}
			transitions = append(transitions, from)

			accountID := acct.ID
			if err := m.events.Record(ctx, tx, &SubscriptionEvent{
				SubscriptionID: sub.ID,
				AccountID:      &accountID,
				EventType:      EventSuspended,
				EventData: map[string]any{
					"previous":       string(from),
					"suspended_at":   now.Format(time.RFC3339),
					"days_in_grace":  DaysBetween(*acct.PaymentGracePeriodStart, now),
					"deletion_after": m.policy.DeletionDay,
				},
			}); err != nil {
				return err
			}
		}

		for orgID := range orgs {
			org, err := tx.GetAccount(ctx, orgID)
			if err != nil {
				return err
			}
			if org.Status.Terminal() || org.Status == AccountStatusSuspended {
				continue
			}
			if err := org.Transition(TriggerGraceExpired); err != nil {
				return err
			}
			org.UpdatedAt = now
			if err := tx.UpdateAccount(ctx, org); err != nil {
				return fmt.Errorf("failed to suspend organization %d: %w", orgID, err)
			}
		}

		if err := acct.Transition(TriggerGraceExpired); err != nil {
			return err
		}
		acct.SuspensionDate = &now
		acct.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return fmt.Errorf("failed to suspend account: %w", err)
		}
		return nil
	})
	if err != nil || acct == nil {
		return false, err
	}

	for _, from := range transitions {
		m.metrics.SubscriptionTransition(from, SubscriptionStatusSuspended)
	}
	m.logger.WithFields(logrus.Fields{
		"account_id":    acct.ID,
		"subscriptions": len(transitions),
	}).Warn("Account suspended for non-payment")

	if primary == nil {
		if primary, err = primarySubscription(ctx, m.store, acct.ID); err != nil {
			return true, err
		}
	}
	m.notices.deliver(ctx, acct, primary.ID, TemplateSuspended, map[string]any{
		"name":              acct.Name,
		"email":             acct.Email,
		"days_until_delete": m.policy.DeletionDay,
	})
	return true, nil
}

// escalate sends the final warning or deletes the account depending on how
// long it has been suspended. Returns true when there was nothing to do.
func (m *SuspensionManager) escalate(ctx context.Context, acct *Account, today time.Time) (bool, error) {
	if acct.SuspensionDate == nil {
		return true, nil
	}
	days := DaysBetween(*acct.SuspensionDate, today)
	switch {
	case days >= m.policy.DeletionDay:
		return false, m.delete(ctx, acct.ID)
	case days >= m.policy.FinalWarningFromDay:
		sub, err := primarySubscription(ctx, m.store, acct.ID)
		if err != nil {
			return false, err
		}
		sent, err := m.notices.sendOnce(ctx, m.store, acct, sub.ID, EventFinalWarningSent,
			suspensionMilestone(*acct.SuspensionDate, days), TemplateFinalWarning, map[string]any{
				"name":              acct.Name,
				"email":             acct.Email,
				"days_suspended":    days,
				"days_until_delete": m.policy.DeletionDay - days,
			})
		return !sent, err
	}
	return true, nil
}

// delete cancels every open subscription of the owner at the gateway and
// locally, then closes the owner and organisation accounts
func (m *SuspensionManager) delete(ctx context.Context, accountID int64) error {
	subs, err := m.store.ListSubscriptionsByOwner(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}
	for _, sub := range subs {
		if sub.Status.Terminal() || sub.GatewaySubscriptionID == "" {
			continue
		}
		m.cancelAtGateway(ctx, sub)
	}

	var canceled []SubscriptionStatus
	now := m.clock.Now().UTC()
	err = m.store.InTx(ctx, func(tx Store) error {
		acct, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.Status.Terminal() {
			return nil
		}
		subs, err := tx.ListSubscriptionsByOwner(ctx, accountID)
		if err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		orgs := map[int64]bool{}
		for _, sub := range subs {
			if sub.OrganizationID != nil {
				orgs[*sub.OrganizationID] = true
			}
			if sub.Status.Terminal() {
				continue
			}
			from := sub.Status
			if err := sub.Transition(TriggerDeleted); err != nil {
				return err
			}
			sub.CanceledAt = &now
			sub.UpdatedAt = now
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return fmt.Errorf("failed to cancel subscription %d: %w", sub.ID, err)
			}
			canceled = append(canceled, from)

			invoices, err := tx.ListInvoicesBySubscription(ctx, sub.ID)
			if err != nil {
				return fmt.Errorf("failed to list invoices: %w", err)
			}
			voided := 0
			for _, inv := range invoices {
				if inv.Status != InvoiceStatusUnpaid {
					continue
				}
				inv.Status = InvoiceStatusCancelled
				inv.UpdatedAt = now
				if err := tx.UpdateInvoice(ctx, inv); err != nil {
					return fmt.Errorf("failed to cancel invoice %d: %w", inv.ID, err)
				}
				voided++
			}

			id := acct.ID
			if err := m.events.Record(ctx, tx, &SubscriptionEvent{
				SubscriptionID: sub.ID,
				AccountID:      &id,
				EventType:      EventAccountDeleted,
				EventData: map[string]any{
					"previous":           string(from),
					"cancelled_invoices": voided,
					"days_suspended":     DaysBetween(*acct.SuspensionDate, now),
				},
			}); err != nil {
				return err
			}
		}

		for orgID := range orgs {
			org, err := tx.GetAccount(ctx, orgID)
			if err != nil {
				return err
			}
			if org.Status.Terminal() {
				continue
			}
			if err := org.Transition(TriggerDeleted); err != nil {
				return err
			}
			org.UpdatedAt = now
			if err := tx.UpdateAccount(ctx, org); err != nil {
				return fmt.Errorf("failed to delete organization %d: %w", orgID, err)
			}
		}

		if err := acct.Transition(TriggerDeleted); err != nil {
			return err
		}
		acct.UpdatedAt = now
		return tx.UpdateAccount(ctx, acct)
	})
	if err != nil {
		return err
	}

	for _, from := range canceled {
		m.metrics.SubscriptionTransition(from, SubscriptionStatusCanceled)
	}
	m.logger.WithFields(logrus.Fields{
		"account_id":    accountID,
		"subscriptions": len(canceled),
	}).Warn("Account deleted for non-payment")
	return nil
}

func (m *SuspensionManager) cancelAtGateway(ctx context.Context, sub *Subscription) {
	log := m.logger.WithFields(logrus.Fields{
		"subscription_id":         sub.ID,
		"gateway_subscription_id": sub.GatewaySubscriptionID,
	})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("PANIC recovered in gateway cancel")
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, m.policy.GatewayTimeout)
	defer cancel()
	if err := m.gateway.CancelSubscription(ctx, sub.GatewaySubscriptionID); err != nil {
		log.WithError(err).Warn("Failed to cancel subscription at gateway")
		return
	}
	log.Info("Cancelled subscription at gateway")
}
