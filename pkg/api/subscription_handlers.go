package api

import (
	"net/http"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/httputil"
)

// UserCountRequest is the body of PUT /subscriptions/{id}/users
type UserCountRequest struct {
	UserCount int `json:"user_count"`
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	sub, err := s.billing.GetSubscription(r.Context(), id)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, sub)
}

func (s *Server) listInvoices(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	invoices, err := s.billing.ListInvoices(r.Context(), id)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	if invoices == nil {
		invoices = []*billing.Invoice{}
	}
	_ = httputil.WriteSuccess(w, invoices)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	events, err := s.billing.ListEvents(r.Context(), id)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	if events == nil {
		events = []*billing.SubscriptionEvent{}
	}
	_ = httputil.WriteSuccess(w, events)
}

func (s *Server) changeUserCount(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req UserCountRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserCount < 1 {
		httputil.WriteBadRequest(w, "user_count must be at least 1")
		return
	}

	change, err := s.billing.ChangeUserCount(r.Context(), id, req.UserCount, billing.TriggeredByAPI)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, change)
}
