// Package api serves the operator surface: queue controls, sync triggers, the
// quarantine inbox, batch migrations, escalation rules and the inbound
// approval workflow events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"github.com/rs/cors"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/classifier"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/events"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/migration"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/quarantine"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/queue"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/ratelimit"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/telemetry"
)

// OperatorHeader names the operator issuing a command.
const OperatorHeader = "X-Operator"

const maxBodyBytes = 1 << 20

// HealthReporter reports queue and ledger health.
type HealthReporter interface {
	Health(ctx context.Context) events.QueueHealth
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Broker      queue.Broker
	Queues      []string
	Logs        store.SyncLogStore
	Escalations store.EscalationStore
	Quarantine  *quarantine.Service
	Escalator   *classifier.Escalator
	Migrations  *migration.Controller
	Bus         events.Publisher
	Health      HealthReporter
	Limiter     *ratelimit.TokenBucket
	CORSOrigins []string
	Logger      *log.Logger
}

// Server wires HTTP handlers for the operator API.
type Server struct {
	Deps
	queues   map[string]bool
	validate *validator.Validate
	now      func() time.Time
}

// New constructs the API server.
func New(d Deps) *Server {
	queues := make(map[string]bool, len(d.Queues))
	for _, q := range d.Queues {
		queues[q] = true
	}
	return &Server{Deps: d, queues: queues, validate: validator.New(), now: time.Now}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Content-Type", OperatorHeader},
	}).Handler)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	limit := func(scope string) func(http.Handler) http.Handler {
		return ratelimit.Middleware(s.Limiter, scope, operator, s.Logger)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/queues", func(r chi.Router) {
			r.Get("/", s.handleQueueCounts)
			r.Route("/{queue}", func(r chi.Router) {
				r.Use(s.knownQueue)
				r.Get("/", s.handleQueueCount)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/clear", s.handleClear)
				r.With(limit("retry-failed")).Post("/retry-failed", s.handleRetryFailed)
			})
		})
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)

		r.Route("/sync", func(r chi.Router) {
			r.With(limit("manual-sync")).Post("/submissions", s.handleSyncSubmissions)
			r.With(limit("range-sync")).Post("/range", s.handleSyncRange)
			r.Get("/logs", s.handleSyncLogs)
			r.Get("/rates", s.handleSyncRates)
		})

		r.Route("/quarantine", func(r chi.Router) {
			r.Get("/", s.handleListQuarantine)
			r.Get("/stats", s.handleQuarantineStats)
			r.Get("/export", s.handleExportQuarantine)
			r.With(limit("bulk-review")).Post("/bulk-review", s.handleBulkReview)
			r.Get("/{id}", s.handleGetQuarantine)
			r.Get("/{id}/history", s.handleQuarantineHistory)
			r.Post("/{id}/start-review", s.handleStartReview)
			r.Post("/{id}/review", s.handleReview)
		})

		r.Route("/migrations", func(r chi.Router) {
			r.Get("/", s.handleListMigrations)
			r.With(limit("migration")).Post("/", s.handleStartMigration)
			r.Post("/analyze", s.handleAnalyzeMigration)
			r.Post("/validate", s.handleValidateMigration)
			r.Get("/{id}", s.handleMigrationProgress)
			r.Post("/{id}/pause", s.handlePauseMigration)
			r.Post("/{id}/resume", s.handleResumeMigration)
			r.Post("/{id}/cancel", s.handleCancelMigration)
		})

		r.Get("/escalations", s.handleListEscalations)
		r.Get("/escalation-rules", s.handleGetRules)
		r.Put("/escalation-rules", s.handlePutRules)

		r.Post("/events/timesheet-approved", s.handleApproved)
		r.Post("/events/timesheet-rejected", s.handleRejected)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	h := s.Health.Health(r.Context())
	status := "ok"
	if h.Degraded || !h.LedgerConnected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"queue_degraded":   h.Degraded,
		"ledger_connected": h.LedgerConnected,
		"ledger_error":     h.LedgerError,
		"checked_at":       h.CheckedAt,
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		s.Logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("operator", r.Header.Get(OperatorHeader)).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func operator(r *http.Request) string {
	if v := r.Header.Get(OperatorHeader); v != "" {
		return v
	}
	return "api"
}

// decodeJSON reads a bounded JSON body into v and runs its validate tags.
func (s *Server) decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body is required")
		}
		return badRequest(fmt.Sprintf("invalid json: %v", err))
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return badRequest(verrs.Error())
		}
		var inv *validator.InvalidValidationError
		if !errors.As(err, &inv) {
			return badRequest(err.Error())
		}
	}
	return nil
}

type requestError struct {
	code int
	msg  string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &requestError{code: http.StatusBadRequest, msg: msg}
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return re.code
	case errors.Is(err, quarantine.ErrNotFound),
		errors.Is(err, migration.ErrNotFound),
		errors.Is(err, queue.ErrJobNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, quarantine.ErrInvalidTransition),
		errors.Is(err, quarantine.ErrConcurrentReview),
		errors.Is(err, migration.ErrInvalidState),
		errors.Is(err, queue.ErrNotRetryable),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, migration.ErrInvalidConfig),
		errors.Is(err, classifier.ErrInvalidRules),
		errors.Is(err, queue.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.Logger.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
