package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/oriys/cdrguard/internal/coordinator"
	"github.com/oriys/cdrguard/internal/domain"
	"github.com/oriys/cdrguard/internal/jobstore"
	"github.com/oriys/cdrguard/internal/logging"
	"github.com/oriys/cdrguard/internal/metrics"
)

// Handler exposes the job pipeline's REST surface, per spec §6: batch
// submission, job listing/lookup, per-phase results, and cancellation.
type Handler struct {
	Store       jobstore.Store
	Coordinator *coordinator.Coordinator
}

// RegisterRoutes wires every handler onto mux. Path-parameter routing
// (Go 1.22's ServeMux patterns) keeps this on the standard library,
// matching the teacher's own router choice.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("POST /api/jobs/batch", h.handleSubmitBatch)
	mux.HandleFunc("GET /api/jobs", h.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.handleGetJob)
	mux.HandleFunc("GET /api/jobs/{id}/results", h.handleGetResults)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.handleCancelJob)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.HandleFunc("GET /metrics/timeseries", h.handleTimeSeries)
	mux.Handle("GET /metrics/prometheus", metrics.PrometheusHandler())
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(metrics.StartTime()).String(),
	})
}

func (h *Handler) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return
	}

	job, err := h.Coordinator.Submit(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "submit_rejected", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := h.Store.ListRecentJobs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, err := h.Store.GetJob(r.Context(), jobID)
	if err != nil {
		if err == jobstore.ErrJobNotFound {
			writeError(w, http.StatusNotFound, "job_not_found", "no job with that id")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleGetResults returns the per-unit result list for one phase of a job.
// The caller selects the phase via ?phase=1|2|3; omitting it defaults to the
// job's most recently completed phase.
func (h *Handler) handleGetResults(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, err := h.Store.GetJob(r.Context(), jobID)
	if err != nil {
		if err == jobstore.ErrJobNotFound {
			writeError(w, http.StatusNotFound, "job_not_found", "no job with that id")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup_failed", err.Error())
		return
	}

	phase := job.CurrentPhase
	if raw := r.URL.Query().Get("phase"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || !domain.Phase(n).Valid() {
			writeError(w, http.StatusBadRequest, "invalid_phase", "phase must be 1, 2, or 3")
			return
		}
		phase = domain.Phase(n)
	}
	if phase == domain.PhaseNone {
		writeJSON(w, http.StatusOK, map[string]any{"phase": phase, "results": []any{}})
		return
	}

	var results any
	switch phase {
	case domain.Phase1CDR:
		var out []domain.Phase1Result
		err = h.Store.ListPhaseResults(r.Context(), jobID, phase, &out)
		results = out
	case domain.Phase2AV:
		var out []domain.Phase2Result
		err = h.Store.ListPhaseResults(r.Context(), jobID, phase, &out)
		results = out
	case domain.Phase3EDR:
		var out []domain.Phase3Result
		err = h.Store.ListPhaseResults(r.Context(), jobID, phase, &out)
		results = out
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "results_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"phase":   phase,
		"summary": job.PhaseSummaries[phase],
		"results": results,
	})
}

func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	cancelled, err := h.Coordinator.Cancel(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cancel_failed", err.Error())
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "not_cancellable", "job is already terminal or does not exist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": "cancelled"})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics.Global().JSONHandler().ServeHTTP(w, r)
}

func (h *Handler) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	metrics.Global().TimeSeriesHandler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	logging.Op().Debug("api error response", "status", status, "code", code, "message", message)
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
