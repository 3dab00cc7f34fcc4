package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/config"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/models"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/telemetry"
)

// Reporter exposes the most recent completed poll cycle.
type Reporter interface {
	LastReport() *models.CycleReport
}

// Server wires the HTTP surface of the collector: liveness, a status
// snapshot for operators, and Prometheus metrics.
type Server struct {
	cfg       config.Config
	reporter  Reporter
	startedAt time.Time
}

// New constructs the API server.
func New(cfg config.Config, reporter Reporter) *Server {
	return &Server{cfg: cfg, reporter: reporter, startedAt: time.Now()}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Mount("/metrics", telemetry.Handler())
	return r
}

// handleHealthz reports healthy while cycles complete on schedule and
// at least one source keeps ingesting. A cycle counts as stale after
// three poll intervals without a successor.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	stale := 3 * s.cfg.PollInterval
	rep := s.reporter.LastReport()
	switch {
	case rep == nil && time.Since(s.startedAt) <= stale:
		writeJSON(w, http.StatusOK, map[string]string{"status": "starting"})
	case rep == nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"reason": "no poll cycle has completed",
		})
	case time.Since(rep.FinishedAt) > stale:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"reason": "last poll cycle is stale",
		})
	case rep.Outcome == models.OutcomeFailure:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"reason": "last cycle failed for every source",
		})
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"outcome": rep.Outcome,
		})
	}
}

type statusResponse struct {
	UptimeSeconds int64               `json:"uptime_seconds"`
	Sources       []string            `json:"sources"`
	LastCycle     *models.CycleReport `json:"last_cycle,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.cfg.Sources))
	for _, src := range s.cfg.Sources {
		names = append(names, src.Name)
	}
	writeJSON(w, http.StatusOK, statusResponse{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Sources:       names,
		LastCycle:     s.reporter.LastReport(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
