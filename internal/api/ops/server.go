package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulsecrm/automation-engine/internal/models"
	"github.com/pulsecrm/automation-engine/pkg/config"
	"github.com/pulsecrm/automation-engine/pkg/logger"
	"github.com/pulsecrm/automation-engine/pkg/metrics"
)

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Ticker runs one scheduler pass on demand
type Ticker interface {
	Tick(ctx context.Context, now time.Time)
}

// Recounter rebuilds a rule's denormalized counters from its execution
// history
type Recounter interface {
	RecomputeRuleCounters(ctx context.Context, organizationID, ruleID uuid.UUID) (*models.AutomationRule, error)
}

// Server is the operational HTTP surface: health, metrics and a
// manual scheduler tick. It carries no application API.
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
}

// NewServer creates the ops server
func NewServer(cfg *config.Config, log *logger.Logger, m *metrics.Metrics, db, redis HealthChecker, ticker Ticker, recounter Recounter) *Server {
	h := &handler{
		logger:    log,
		db:        db,
		redis:     redis,
		ticker:    ticker,
		recounter: recounter,
		version:   cfg.App.Version,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", h.health)
	r.Get("/readyz", h.ready)
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	r.Post("/tick", h.tick)
	r.Post("/rules/{orgID}/{ruleID}/recount", h.recount)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Ops.Host, cfg.Ops.Port),
			Handler:      r,
			ReadTimeout:  cfg.Ops.ReadTimeout,
			WriteTimeout: cfg.Ops.WriteTimeout,
		},
		logger: log,
	}
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("Starting ops server", logger.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down ops server")
	return s.httpServer.Shutdown(ctx)
}

type handler struct {
	logger    *logger.Logger
	db        HealthChecker
	redis     HealthChecker
	ticker    Ticker
	recounter Recounter
	version   string
}

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: h.version})
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	if err := h.db.HealthCheck(ctx); err != nil {
		h.logger.Errorf("Database health check failed: %v", err)
		checks["database"] = "unhealthy"
		healthy = false
	} else {
		checks["database"] = "healthy"
	}

	if err := h.redis.HealthCheck(ctx); err != nil {
		h.logger.Errorf("Redis health check failed: %v", err)
		checks["redis"] = "unhealthy"
		healthy = false
	} else {
		checks["redis"] = "healthy"
	}

	status := http.StatusOK
	response := healthResponse{Status: "ready", Version: h.version, Checks: checks}
	if !healthy {
		status = http.StatusServiceUnavailable
		response.Status = "degraded"
	}
	writeJSON(w, status, response)
}

// tick runs one scheduler pass immediately. The claim layer makes this
// safe to call while the background worker is running.
func (h *handler) tick(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	h.logger.Info("Manual scheduler tick requested",
		logger.String("remote_addr", r.RemoteAddr),
	)

	h.ticker.Tick(r.Context(), now)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "completed",
		"ticked_at": now.Format(time.RFC3339),
	})
}

// recount rebuilds a rule's execution counters from the recorded
// execution history, the recovery path for counter drift.
func (h *handler) recount(w http.ResponseWriter, r *http.Request) {
	orgID, err := uuid.Parse(chi.URLParam(r, "orgID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid organization id"})
		return
	}
	ruleID, err := uuid.Parse(chi.URLParam(r, "ruleID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid rule id"})
		return
	}

	rule, err := h.recounter.RecomputeRuleCounters(r.Context(), orgID, ruleID)
	if err != nil {
		h.logger.Errorf("Counter recount failed for rule %s: %v", ruleID, err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rule_id":         rule.ID,
		"execution_count": rule.ExecutionCount,
		"success_count":   rule.SuccessCount,
		"failure_count":   rule.FailureCount,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestLogger(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				log.Info("HTTP request",
					logger.String("method", r.Method),
					logger.String("path", r.URL.Path),
					logger.String("remote_addr", r.RemoteAddr),
					logger.Int("status", ww.Status()),
					logger.Int("bytes", ww.BytesWritten()),
					logger.String("duration", time.Since(start).String()),
					logger.String("request_id", chimiddleware.GetReqID(r.Context())),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
