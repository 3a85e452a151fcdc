package simd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/metrics"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/persistence"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/logger"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// maxRequestBody bounds POST /v1/runs bodies.
const maxRequestBody = 32 << 20

type HTTPServer struct {
	router   chi.Router
	Executor *RunExecutor
	recorder *metrics.Recorder
}

// NewHTTPServer routes the run API to executor. recorder may be nil, in
// which case /metrics is not served.
func NewHTTPServer(executor *RunExecutor, recorder *metrics.Recorder) *HTTPServer {
	s := &HTTPServer{
		router:   chi.NewRouter(),
		Executor: executor,
		recorder: recorder,
	}

	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.Recoverer)

	s.router.Get("/healthz", s.handleHealthz)
	if recorder != nil {
		s.router.Handle("/metrics", recorder.Handler())
	}
	s.router.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		// POST takes "<id>:stop" or "<id>:resume"; run ids never contain ':'
		r.Post("/{id}", s.handleRunAction)
		r.Get("/{id}/history", s.handleHistory)
		r.Get("/{id}/checkpoint", s.handleCheckpoint)
		r.Get("/{id}/metrics", s.handleRunMetrics)
	})
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"active_runs": len(s.Executor.Runs().Active()),
	})
}

// handleCreateRun handles POST /v1/runs
func (s *HTTPServer) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rec, err := s.Executor.Create(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	logger.Info("run created (HTTP)", "run_id", rec.ID, "restore", req.Restore)
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"run": convertRunToJSON(rec.Run()),
	})
}

// handleListRuns handles GET /v1/runs with pagination and filtering
func (s *HTTPServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = min(parsed, 1000)
		}
	}
	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	var status models.RunStatus
	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		status = models.RunStatus(strings.ToLower(statusStr))
		if !status.Valid() {
			s.writeError(w, http.StatusBadRequest, "unknown status "+statusStr)
			return
		}
	}

	runs := s.Executor.Runs().List(limit, offset, status)
	runsJSON := make([]map[string]any, 0, len(runs))
	for _, rec := range runs {
		runsJSON = append(runsJSON, convertRunToJSON(rec.Run()))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"runs": runsJSON,
		"pagination": map[string]any{
			"limit":  limit,
			"offset": offset,
			"count":  len(runs),
		},
	})
}

// handleGetRun handles GET /v1/runs/{id}
func (s *HTTPServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run": convertRunToJSON(rec.Run()),
	})
}

// handleRunAction handles POST /v1/runs/{id}:stop and POST /v1/runs/{id}:resume
func (s *HTTPServer) handleRunAction(w http.ResponseWriter, r *http.Request) {
	runID, action, ok := strings.Cut(chi.URLParam(r, "id"), ":")
	if !ok {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var (
		rec *RunRecord
		err error
	)
	switch action {
	case "stop":
		rec, err = s.Executor.Stop(r.Context(), runID)
	case "resume":
		rec, err = s.Executor.Start(runID)
	default:
		s.writeError(w, http.StatusNotFound, "unknown action "+action)
		return
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}

	logger.Info("run "+action+" (HTTP)", "run_id", runID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run": convertRunToJSON(rec.Run()),
	})
}

// handleHistory handles GET /v1/runs/{id}/history?from=&to=
func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	iters := rec.Sim.History()

	from, to := 0, len(iters)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = strconv.Atoi(v); err != nil || from < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid from "+v)
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = strconv.Atoi(v); err != nil || to < from {
			s.writeError(w, http.StatusBadRequest, "invalid to "+v)
			return
		}
	}
	from, to = min(from, len(iters)), min(to, len(iters))

	net := rec.Sim.Network()
	out := make([]iterationJSON, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, convertIterationToJSON(net, &iters[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     rec.ID,
		"iterations": out,
		"totals":     rec.Sim.Summary(),
	})
}

// handleCheckpoint handles GET /v1/runs/{id}/checkpoint. The body is the
// binary checkpoint format, readable by `diffsim inspect`.
func (s *HTTPServer) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	cp := rec.Sim.Checkpoint()
	blob, err := persistence.Encode(cp)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s-%010d.dfck", rec.ID, cp.Iteration)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(blob); err != nil {
		logger.Error("failed to write checkpoint", "run_id", rec.ID, "error", err)
	}
}

// handleRunMetrics handles GET /v1/runs/{id}/metrics
func (s *HTTPServer) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	labels := metrics.RunLabels(rec.ID)
	out := map[string]any{
		"summary":         rec.Collector.GetSummary(),
		"aggregations":    metrics.Aggregations(rec.Collector, labels),
		"diffusion_curve": metrics.DiffusionCurve(rec.Collector, labels),
	}
	if peak, ok := metrics.PeakIteration(rec.Collector, metrics.MetricSeen, labels); ok {
		out["peak_iteration"] = peak
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) lookup(w http.ResponseWriter, r *http.Request) (*RunRecord, bool) {
	runID := chi.URLParam(r, "id")
	rec, ok := s.Executor.Runs().Get(runID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
	}
	return rec, ok
}

// Helper functions

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": message,
	})
}

func (s *HTTPServer) writeErr(w http.ResponseWriter, err error) {
	status, _ := classify(err)
	s.writeError(w, status, err.Error())
}
