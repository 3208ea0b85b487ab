package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/aggregate"
	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/export"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// submitRequest accepts either a target list or a single company and URL.
type submitRequest struct {
	Targets []crawler.Target `json:"targets"`
	Company string           `json:"company"`
	URL     string           `json:"url"`
}

func (r submitRequest) targets() []crawler.Target {
	if len(r.Targets) > 0 {
		return r.Targets
	}
	if r.Company == "" && r.URL == "" {
		return nil
	}
	return []crawler.Target{{Company: r.Company, SeedURL: r.URL}}
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	targets := req.targets()
	if len(targets) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one target is required")
		return
	}
	if len(targets) > s.cfg.MaxTargets {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d targets per run", s.cfg.MaxTargets))
		return
	}
	run, err := s.service.Submit(r.Context(), targets)
	if err != nil {
		switch {
		case errors.Is(err, crawler.ErrMissingAPIKey):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		case crawler.KindOf(err) == crawler.KindConfig:
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("submit run failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		}
		return
	}
	w.Header().Set("Location", "/v1/runs/"+run.ID)
	s.writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunLimit)
	}
	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) getDataset(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("format")
	if name == "" {
		name = string(export.FormatCSV)
	}
	format, err := export.ParseFormat(name)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if !run.State.Terminal() {
		s.writeError(w, http.StatusConflict, "run has not finished")
		return
	}
	records, err := s.runs.Records(r.Context(), run.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load records")
		return
	}
	data, err := export.Encode(format, aggregate.Aggregate(records))
	if err != nil {
		s.logger.Error("encode dataset failed", zap.String("run_id", run.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to encode dataset")
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s%s"`, run.ID, format.Extension()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write dataset failed", zap.Error(err))
	}
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if !s.service.Cancel(run.ID) {
		s.writeError(w, http.StatusConflict, "run is not in flight")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID, "status": "cancelling"})
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (crawler.Run, bool) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return crawler.Run{}, false
	}
	return run, true
}
