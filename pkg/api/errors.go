package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/httputil"
	"github.com/platinummonkey/recur/pkg/observability"
)

// writeBillingError maps billing sentinel errors onto HTTP statuses. Unknown
// errors are logged and reported as 500 without detail.
func writeBillingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrNotFound):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, billing.ErrLockHeld):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, billing.ErrTerminal),
		errors.Is(err, billing.ErrFixedUserCount),
		errors.Is(err, billing.ErrInvalidTransition):
		httputil.WriteUnprocessable(w, err.Error())
	case errors.Is(err, billing.ErrInvalidSignature):
		httputil.WriteBadRequest(w, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Request failed")
		httputil.WriteInternalError(w)
	}
}
