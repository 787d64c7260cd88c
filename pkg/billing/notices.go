package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// noticeSender delivers a dunning notice at most once per milestone
type noticeSender struct {
	notifier Notifier
	events   *EventLog
	metrics  MetricsRecorder
	logger   logrus.FieldLogger
}

// sendOnce delivers template unless the milestone was already recorded for
// the account. The milestone is only recorded after a successful delivery;
// delivery failures are logged and reported as not sent.
func (n *noticeSender) sendOnce(ctx context.Context, store Store, acct *Account, subID int64, eventType EventType, milestone, template string, data map[string]any) (bool, error) {
	done, err := store.HasMilestone(ctx, acct.ID, eventType, milestone)
	if err != nil {
		return false, fmt.Errorf("failed to check %s milestone: %w", eventType, err)
	}
	if done {
		return false, nil
	}

	log := n.logger.WithFields(logrus.Fields{
		"account_id":      acct.ID,
		"subscription_id": subID,
		"template":        template,
	})
	err = n.notifier.Notify(ctx, acct.ID, template, data)
	n.metrics.NotificationSent(template, err)
	if err != nil {
		log.WithError(err).Warn("Failed to deliver notice")
		return false, nil
	}

	accountID := acct.ID
	if err := n.events.Record(ctx, store, &SubscriptionEvent{
		SubscriptionID: subID,
		AccountID:      &accountID,
		EventType:      eventType,
		Milestone:      milestone,
		EventData:      withTemplate(data, template),
	}); err != nil {
		return true, err
	}
	log.Info("Sent notice")
	return true, nil
}

// deliver sends a one-off notice without milestone tracking
func (n *noticeSender) deliver(ctx context.Context, acct *Account, subID int64, template string, data map[string]any) {
	err := n.notifier.Notify(ctx, acct.ID, template, data)
	n.metrics.NotificationSent(template, err)
	log := n.logger.WithFields(logrus.Fields{
		"account_id":      acct.ID,
		"subscription_id": subID,
		"template":        template,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to deliver notice")
		return
	}
	log.Info("Sent notice")
}

func withTemplate(data map[string]any, template string) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["template"] = template
	return out
}

func graceMilestone(start time.Time, day int) string {
	return fmt.Sprintf("grace:%s:day:%d", DateOf(start).Format("2006-01-02"), day)
}

func suspensionMilestone(suspended time.Time, day int) string {
	return fmt.Sprintf("suspension:%s:day:%d", DateOf(suspended).Format("2006-01-02"), day)
}

// primarySubscription picks the subscription account level events are filed
// under: the oldest one still open, else the oldest one.
func primarySubscription(ctx context.Context, store SubscriptionStore, ownerID int64) (*Subscription, error) {
	subs, err := store.ListSubscriptionsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions of account %d: %w", ownerID, err)
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("account %d owns no subscription: %w", ownerID, ErrNotFound)
	}
	for _, s := range subs {
		if !s.Status.Terminal() {
			return s, nil
		}
	}
	return subs[0], nil
}
