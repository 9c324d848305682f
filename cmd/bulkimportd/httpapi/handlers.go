package httpapi

import (
	"net/http"
	"time"
)

// JobController is the subset of scheduler.Engine the status/control
// endpoints need. Declaring it here (rather than importing scheduler)
// keeps httpapi a pure HTTP-concern package wired by cmd/bulkimportd.
type JobController interface {
	GetStats() map[string]any
	Pause() error
	Resume() error
	Abort() error
}

// Handlers registers the status/control endpoints for a single in-flight
// job onto a Server's router.
type Handlers struct {
	job JobController
}

// NewHandlers builds Handlers bound to job.
func NewHandlers(job JobController) *Handlers {
	return &Handlers{job: job}
}

// Reclaimer is implemented by distributed-mode controllers to expose the
// out-of-band stale-claim sweep as a control endpoint.
type Reclaimer interface {
	ReclaimStale() (int, error)
}

// RegisterRoutes mounts health plus the job status/control endpoints. A
// /reclaim route is added only when job also implements Reclaimer
// (distributed mode).
func (h *Handlers) RegisterRoutes(s *Server) {
	s.Router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	s.Router.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	s.Router.HandleFunc("/pause", h.handlePause).Methods(http.MethodPost)
	s.Router.HandleFunc("/resume", h.handleResume).Methods(http.MethodPost)
	s.Router.HandleFunc("/abort", h.handleAbort).Methods(http.MethodPost)

	if reclaimer, ok := h.job.(Reclaimer); ok {
		s.Router.HandleFunc("/reclaim", h.handleReclaim(reclaimer)).Methods(http.MethodPost)
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.job.GetStats())
}

func (h *Handlers) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := h.job.Pause(); err != nil {
		WriteError(w, r, http.StatusConflict, "pause_failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "pausing"})
}

func (h *Handlers) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.job.Resume(); err != nil {
		WriteError(w, r, http.StatusConflict, "resume_failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "resumed"})
}

func (h *Handlers) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := h.job.Abort(); err != nil {
		WriteError(w, r, http.StatusConflict, "abort_failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "aborting"})
}

func (h *Handlers) handleReclaim(reclaimer Reclaimer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := reclaimer.ReclaimStale()
		if err != nil {
			WriteError(w, r, http.StatusInternalServerError, "reclaim_failed", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"reclaimed": n})
	}
}
