// Package eventlog archives the subscription event log to object storage as
// one JSON lines object per UTC day.
package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/recur/pkg/billing"
)

// JobArchive is the job name of the daily archive run
const JobArchive = "archive"

// EventSource lists events by date
type EventSource interface {
	ListEventsBetween(ctx context.Context, from, to time.Time) ([]*billing.SubscriptionEvent, error)
}

// ObjectWriter stores archive objects
type ObjectWriter interface {
	PutObject(ctx context.Context, key string, content []byte, contentType string) error
	ObjectExists(ctx context.Context, key string) (bool, error)
}

// Result describes one archive run
type Result struct {
	Day     time.Time `json:"day"`
	Key     string    `json:"key"`
	Events  int       `json:"events"`
	Skipped bool      `json:"skipped"`
}

// Archiver writes a day of events to an ObjectWriter
type Archiver struct {
	events EventSource
	store  ObjectWriter
	prefix string
	logger logrus.FieldLogger
}

// NewArchiver creates an Archiver. Objects are written under prefix.
func NewArchiver(events EventSource, store ObjectWriter, prefix string, logger logrus.FieldLogger) *Archiver {
	if prefix == "" {
		prefix = "events"
	}
	return &Archiver{events: events, store: store, prefix: prefix, logger: logger}
}

// ObjectKey returns the key of the archive object for day
func (a *Archiver) ObjectKey(day time.Time) string {
	return fmt.Sprintf("%s/%s.jsonl", a.prefix, billing.DateOf(day).Format("2006/01/02"))
}

// Archive writes the events dated on day. An existing object is left in
// place so reruns are safe; a day without events writes nothing.
func (a *Archiver) Archive(ctx context.Context, day time.Time) (*Result, error) {
	from := billing.DateOf(day)
	res := &Result{Day: from, Key: a.ObjectKey(from)}
	log := a.logger.WithFields(logrus.Fields{"stage": "archive", "key": res.Key})

	exists, err := a.store.ObjectExists(ctx, res.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to check archive object: %w", err)
	}
	if exists {
		log.Info("Archive already exists, skipping")
		res.Skipped = true
		return res, nil
	}

	events, err := a.events.ListEventsBetween(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if len(events) == 0 {
		log.Info("No events to archive")
		return res, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, fmt.Errorf("failed to encode event %d: %w", ev.ID, err)
		}
	}

	if err := a.store.PutObject(ctx, res.Key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return nil, fmt.Errorf("failed to write archive: %w", err)
	}
	res.Events = len(events)
	log.WithField("events", res.Events).Info("Archived events")
	return res, nil
}
