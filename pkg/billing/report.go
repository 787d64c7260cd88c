package billing

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
)

// Stage names
const (
	StageInvoices   = "invoices"
	StageRetries    = "retries"
	StageGrace      = "grace"
	StageSuspension = "suspension"
)

// RunReport summarizes one stage of a daily run
type RunReport struct {
	Stage      string      `json:"stage"`
	Date       time.Time   `json:"date"`
	Processed  int         `json:"processed"`
	Skipped    int         `json:"skipped"`
	Failed     int         `json:"failed"`
	Errors     []ItemError `json:"errors,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// ItemError is a failure of one item within a stage
type ItemError struct {
	SubscriptionID int64  `json:"subscription_id,omitempty"`
	InvoiceID      int64  `json:"invoice_id,omitempty"`
	AccountID      int64  `json:"account_id,omitempty"`
	Error          string `json:"error"`
}

func newRunReport(stage string, now time.Time) *RunReport {
	return &RunReport{Stage: stage, Date: DateOf(now), StartedAt: now}
}

// Duration is the wall time the stage took
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type itemRef struct {
	SubscriptionID int64
	InvoiceID      int64
	AccountID      int64
}

func (ref itemRef) fields(stage string) logrus.Fields {
	f := logrus.Fields{"stage": stage}
	if ref.SubscriptionID != 0 {
		f["subscription_id"] = ref.SubscriptionID
	}
	if ref.InvoiceID != 0 {
		f["invoice_id"] = ref.InvoiceID
	}
	if ref.AccountID != 0 {
		f["account_id"] = ref.AccountID
	}
	return f
}

// process runs fn for one item, recovering panics and recording the outcome.
// fn returns true when the item needed no work.
func (r *RunReport) process(logger logrus.FieldLogger, ref itemRef, fn func() (bool, error)) {
	skipped, err := func() (skipped bool, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.WithFields(ref.fields(r.Stage)).
					WithField("stack", string(debug.Stack())).
					Error("PANIC recovered")
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return fn()
	}()

	switch {
	case err != nil:
		r.Failed++
		r.Errors = append(r.Errors, ItemError{
			SubscriptionID: ref.SubscriptionID,
			InvoiceID:      ref.InvoiceID,
			AccountID:      ref.AccountID,
			Error:          err.Error(),
		})
		logger.WithFields(ref.fields(r.Stage)).WithError(err).Error("Failed to process item")
	case skipped:
		r.Skipped++
	default:
		r.Processed++
	}
}
