package admin

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"duespark/internal/metrics"
	"duespark/internal/types"
)

// CompileTrigger starts a compile run immediately. The daily leader lock
// still applies, so a trigger on a day that already compiled is a no-op.
type CompileTrigger interface {
	TriggerCompile(ctx context.Context) (int, error)
}

// DeadLetterAdminRepo abstracts the dead letter reads and deletes the
// operator surface needs.
type DeadLetterAdminRepo interface {
	List(ctx context.Context, kind types.DeadLetterKind, limit int) ([]*types.DeadLetterEntry, error)
	Delete(ctx context.Context, id int64) error
}

// DeadLetterReplayer forces an immediate replay of one dead letter.
type DeadLetterReplayer interface {
	ReplayByID(ctx context.Context, id int64) error
}

// ReminderAdminRepo abstracts the reminder requeue write.
type ReminderAdminRepo interface {
	Requeue(ctx context.Context, reminderID string, sendAt time.Time) (bool, error)
}

// MetricsSource provides the point-in-time metrics snapshot.
type MetricsSource interface {
	Snapshot() metrics.Snapshot
}

// Server is the operator HTTP server.
type Server struct {
	compiler    CompileTrigger
	deadletters DeadLetterAdminRepo
	replayer    DeadLetterReplayer
	reminders   ReminderAdminRepo
	metrics     MetricsSource
	clock       types.Clock

	apiKey string
	logger *slog.Logger
}

// ServerConfig holds the dependencies for creating a Server.
type ServerConfig struct {
	Compiler    CompileTrigger
	DeadLetters DeadLetterAdminRepo
	Replayer    DeadLetterReplayer
	Reminders   ReminderAdminRepo
	Metrics     MetricsSource
	Clock       types.Clock

	APIKey string
	Logger *slog.Logger
}

// NewServer creates a Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		compiler:    cfg.Compiler,
		deadletters: cfg.DeadLetters,
		replayer:    cfg.Replayer,
		reminders:   cfg.Reminders,
		metrics:     cfg.Metrics,
		clock:       cfg.Clock,
		apiKey:      cfg.APIKey,
		logger:      logger,
	}
}

// Router builds the chi router. /healthz is unauthenticated; everything
// under /admin requires the X-Admin-Key header.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/jobs/compile", s.handleTriggerCompile)
		r.Get("/dead-letters", s.handleListDeadLetters)
		r.Post("/dead-letters/{id}/retry", s.handleRetryDeadLetter)
		r.Delete("/dead-letters/{id}", s.handleDeleteDeadLetter)
		r.Post("/reminders/{id}/requeue", s.handleRequeueReminder)
		r.Get("/metrics", s.handleMetrics)
	})

	return r
}

// requestID attaches a request id to the context and response for log
// correlation.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
	})
}

// requireAPIKey enforces the static operator key with a constant-time
// comparison.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if key == "" {
			writeError(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "X-Admin-Key header is required", nil))
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeError(w, r, types.NewAppError(types.ErrCodeAuthKeyInvalid, "invalid admin key", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTriggerCompile(w http.ResponseWriter, r *http.Request) {
	created, err := s.compiler.TriggerCompile(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: map[string]int{"reminders_created": created}})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 100
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "limit must be a positive integer", nil))
			return
		}
		limit = parsed
	}

	entries, err := s.deadletters.List(r.Context(), types.DeadLetterKind(q.Get("kind")), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: entries})
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.replayer.ReplayByID(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: map[string]any{"replayed": true, "id": id}})
}

func (s *Server) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.deadletters.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequeueReminder(w http.ResponseWriter, r *http.Request) {
	reminderID := chi.URLParam(r, "id")
	if reminderID == "" {
		writeError(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "reminder id is required", nil))
		return
	}

	requeued, err := s.reminders.Requeue(r.Context(), reminderID, s.clock.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !requeued {
		// Sent and cancelled reminders are not requeued; tell the operator
		// instead of pretending.
		writeError(w, r, types.NewAppError(types.ErrCodeConflictAlreadySent, "reminder is not in a requeueable state", nil))
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: map[string]any{"requeued": true, "id": reminderID}})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, apiResponse{Data: s.metrics.Snapshot()})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "id must be a positive integer", nil))
		return 0, false
	}
	return id, true
}
