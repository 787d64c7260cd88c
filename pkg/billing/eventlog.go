package billing

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// EventLog stamps subscription events and appends them to an EventStore.
// Components pass the transaction scoped store so events commit together
// with the state change they describe.
type EventLog struct {
	clock  clockwork.Clock
	logger logrus.FieldLogger
}

// NewEventLog creates an EventLog
func NewEventLog(clock clockwork.Clock, logger logrus.FieldLogger) *EventLog {
	return &EventLog{clock: clock, logger: logger}
}

// Record appends ev, defaulting EventDate to now and TriggeredBy to system
func (l *EventLog) Record(ctx context.Context, store EventStore, ev *SubscriptionEvent) error {
	if ev.EventDate.IsZero() {
		ev.EventDate = l.clock.Now().UTC()
	}
	if ev.TriggeredBy == "" {
		ev.TriggeredBy = TriggeredBySystem
	}
	if err := store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to record %s event: %w", ev.EventType, err)
	}
	l.logger.WithFields(logrus.Fields{
		"subscription_id": ev.SubscriptionID,
		"event_type":      ev.EventType,
		"triggered_by":    ev.TriggeredBy,
	}).Debug("Recorded subscription event")
	return nil
}
