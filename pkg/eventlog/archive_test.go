package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/recur/pkg/billing"
)

// mockEvents is a mock implementation of EventSource
type mockEvents struct {
	listFunc func(ctx context.Context, from, to time.Time) ([]*billing.SubscriptionEvent, error)
}

func (m *mockEvents) ListEventsBetween(ctx context.Context, from, to time.Time) ([]*billing.SubscriptionEvent, error) {
	return m.listFunc(ctx, from, to)
}

// memObjects is an in-memory ObjectWriter
type memObjects struct {
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjects) PutObject(_ context.Context, key string, content []byte, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[key] = content
	m.types[key] = contentType
	return nil
}

func (m *memObjects) ObjectExists(_ context.Context, key string) (bool, error) {
	_, ok := m.objects[key]
	return ok, nil
}

func TestArchiver_Archive(t *testing.T) {
	logger, _ := test.NewNullLogger()
	day := time.Date(2024, 3, 14, 17, 30, 0, 0, time.UTC)

	var gotFrom, gotTo time.Time
	events := &mockEvents{listFunc: func(_ context.Context, from, to time.Time) ([]*billing.SubscriptionEvent, error) {
		gotFrom, gotTo = from, to
		return []*billing.SubscriptionEvent{
			{ID: 1, SubscriptionID: 4, EventType: billing.EventInvoiceGenerated, TriggeredBy: billing.TriggeredBySystem, EventDate: from.Add(time.Hour)},
			{ID: 2, SubscriptionID: 4, EventType: billing.EventPaymentFailed, TriggeredBy: billing.TriggeredBySystem, EventDate: from.Add(2 * time.Hour),
				EventData: map[string]any{"retry_attempt": 1}},
		}, nil
	}}
	objects := newMemObjects()
	a := NewArchiver(events, objects, "", logger)

	res, err := a.Archive(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, "events/2024/03/14.jsonl", res.Key)
	assert.Equal(t, 2, res.Events)
	assert.False(t, res.Skipped)
	assert.Equal(t, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), gotFrom)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), gotTo)
	assert.Equal(t, "application/x-ndjson", objects.types[res.Key])

	var lines []billing.SubscriptionEvent
	scanner := bufio.NewScanner(bytes.NewReader(objects.objects[res.Key]))
	for scanner.Scan() {
		var ev billing.SubscriptionEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		lines = append(lines, ev)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, billing.EventPaymentFailed, lines[1].EventType)

	// second run leaves the object alone
	res, err = a.Archive(context.Background(), day)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestArchiver_ArchiveEmptyDay(t *testing.T) {
	logger, _ := test.NewNullLogger()
	events := &mockEvents{listFunc: func(context.Context, time.Time, time.Time) ([]*billing.SubscriptionEvent, error) {
		return nil, nil
	}}
	objects := newMemObjects()
	a := NewArchiver(events, objects, "archive/events", logger)

	res, err := a.Archive(context.Background(), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "archive/events/2024/01/02.jsonl", res.Key)
	assert.Zero(t, res.Events)
	assert.Empty(t, objects.objects)
}

func TestArchiver_ArchiveErrors(t *testing.T) {
	logger, _ := test.NewNullLogger()
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	failing := &mockEvents{listFunc: func(context.Context, time.Time, time.Time) ([]*billing.SubscriptionEvent, error) {
		return nil, errors.New("connection refused")
	}}
	_, err := NewArchiver(failing, newMemObjects(), "", logger).Archive(context.Background(), day)
	assert.ErrorContains(t, err, "failed to list events")

	events := &mockEvents{listFunc: func(context.Context, time.Time, time.Time) ([]*billing.SubscriptionEvent, error) {
		return []*billing.SubscriptionEvent{{ID: 1}}, nil
	}}
	objects := newMemObjects()
	objects.putErr = errors.New("access denied")
	_, err = NewArchiver(events, objects, "", logger).Archive(context.Background(), day)
	assert.ErrorContains(t, err, "failed to write archive")
}
