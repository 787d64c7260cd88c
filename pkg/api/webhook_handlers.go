package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/httputil"
	"github.com/platinummonkey/recur/pkg/observability"
)

// SignatureHeader carries the gateway webhook signature
const SignatureHeader = "Stripe-Signature"

// WebhookResponse acknowledges a webhook delivery
type WebhookResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// handleWebhook verifies and applies a gateway event. Deliveries of an
// event id that was already applied are acknowledged without reprocessing.
// A held invoice lock answers 409 so the gateway retries later.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log := observability.FromContext(r.Context())

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.recordWebhook("unknown", http.StatusBadRequest)
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	if id := peekEventID(payload); id != "" && s.replay.Contains(id) {
		log.WithField("event_id", id).Info("Ignoring replayed webhook")
		s.recordWebhook("duplicate", http.StatusOK)
		_ = httputil.WriteSuccess(w, WebhookResponse{Received: true, EventID: id, Duplicate: true})
		return
	}

	event, err := s.billing.HandleWebhook(r.Context(), payload, r.Header.Get(SignatureHeader))
	eventType := "unknown"
	if event != nil {
		eventType = event.Type
		log = log.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.Type})
	}

	switch {
	case err == nil:
	case errors.Is(err, billing.ErrInvalidSignature):
		log.Warn("Rejected webhook with invalid signature")
		s.recordWebhook(eventType, http.StatusBadRequest)
		httputil.WriteBadRequest(w, err.Error())
		return
	case errors.Is(err, billing.ErrLockHeld):
		log.WithError(err).Info("Invoice busy, asking gateway to retry")
		s.recordWebhook(eventType, http.StatusConflict)
		httputil.WriteConflict(w, err.Error())
		return
	case event == nil:
		log.WithError(err).Warn("Rejected undecodable webhook")
		s.recordWebhook(eventType, http.StatusBadRequest)
		httputil.WriteBadRequest(w, err.Error())
		return
	default:
		log.WithError(err).Error("Failed to apply webhook")
		s.recordWebhook(eventType, http.StatusInternalServerError)
		httputil.WriteInternalError(w)
		return
	}

	if event.ID != "" {
		s.replay.Add(event.ID, struct{}{})
	}
	s.recordWebhook(eventType, http.StatusOK)
	_ = httputil.WriteSuccess(w, WebhookResponse{Received: true, EventID: event.ID})
}

func (s *Server) recordWebhook(eventType string, status int) {
	if s.metrics != nil {
		s.metrics.WebhookReceived(eventType, status)
	}
}

// peekEventID reads the top level event id without trusting the payload
func peekEventID(payload []byte) string {
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	return envelope.ID
}
