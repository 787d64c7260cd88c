package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/eventlog"
	"github.com/platinummonkey/recur/pkg/httputil"
	"github.com/platinummonkey/recur/pkg/observability"
)

// JobResponse is the outcome of a manual job run
type JobResponse struct {
	Job     string               `json:"job"`
	Reports []*billing.RunReport `json:"reports,omitempty"`
	Archive *eventlog.Result     `json:"archive,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// runJob runs a billing job, or the event archive, synchronously. Stage
// failures still return the reports of every stage with a 500.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["job"]
	log := observability.FromContext(r.Context()).WithField("job", name)

	if name == eventlog.JobArchive {
		s.runArchive(w, r)
		return
	}

	job, err := billing.ParseJob(name)
	if err != nil {
		httputil.WriteNotFound(w, err.Error())
		return
	}

	reports, err := s.jobs.Run(r.Context(), job)
	resp := JobResponse{Job: name, Reports: reports}
	switch {
	case err == nil:
		_ = httputil.WriteSuccess(w, resp)
	case errors.Is(err, billing.ErrLockHeld):
		httputil.WriteConflict(w, "job already running")
	default:
		log.WithError(err).Error("Manual job run failed")
		resp.Error = err.Error()
		_ = httputil.WriteJSON(w, http.StatusInternalServerError, resp)
	}
}

// runArchive archives the day given by the date query parameter, yesterday
// by default
func (s *Server) runArchive(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "event archive not configured")
		return
	}

	day, err := httputil.ParseQueryDate(r, "date")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if day.IsZero() {
		day = billing.DateOf(s.clock.Now()).Add(-24 * time.Hour)
	}

	result, err := s.archiver.Archive(r.Context(), day)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Event archive failed")
		_ = httputil.WriteJSON(w, http.StatusInternalServerError, JobResponse{Job: eventlog.JobArchive, Error: err.Error()})
		return
	}
	_ = httputil.WriteSuccess(w, JobResponse{Job: eventlog.JobArchive, Archive: result})
}
