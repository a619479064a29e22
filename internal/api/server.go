package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	servertiming "github.com/mitchellh/go-server-timing"
	"go.uber.org/zap"

	"recipe-ingestion/internal/config"
	"recipe-ingestion/internal/mailbox"
	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/queue"
	"recipe-ingestion/internal/ratelimit"
	"recipe-ingestion/internal/store"
	"recipe-ingestion/internal/telemetry"
	"recipe-ingestion/internal/web"
)

// HTTP-only error codes. Extraction failures use models.ErrorCode.
const (
	codeUnauthorized   = "unauthorized"
	codeForbidden      = "forbidden"
	codeBadRequest     = "invalid_request"
	codeNotFound       = "not_found"
	codeConflict       = "conflict"
	codeRateLimited    = "rate_limited"
	codeUnavailable    = "unavailable"
	headerUserID       = "X-User-ID"
	headerRequestID    = "X-Request-ID"
	defaultDLQPeekSize = 100
)

// Preflighter is the synchronous URL check run before a url job is created.
type Preflighter interface {
	Preflight(ctx context.Context, raw string) web.PreflightResult
}

// ImageStore keeps uploaded images.
type ImageStore interface {
	Put(ctx context.Context, userID string, index int, data []byte) (models.ImageRef, error)
}

// Deps are the collaborators of the API server.
type Deps struct {
	Store     store.Store
	Queue     *queue.RedisQueue
	Limiter   *ratelimit.TokenBucket
	Preflight Preflighter
	Images    ImageStore
	Sink      RecordSink
	Log       *zap.Logger
}

// Server wires HTTP handlers for the job API.
type Server struct {
	cfg       config.Config
	store     store.Store
	queue     *queue.RedisQueue
	limiter   *ratelimit.TokenBucket
	preflight Preflighter
	images    ImageStore
	sink      RecordSink
	mailbox   *mailbox.Reader
	log       *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	sink := d.Sink
	if sink == nil {
		sink = LogSink{Log: log}
	}
	return &Server{
		cfg:       cfg,
		store:     d.Store,
		queue:     d.Queue,
		limiter:   d.Limiter,
		preflight: d.Preflight,
		images:    d.Images,
		sink:      sink,
		mailbox:   mailbox.NewReader(d.Store, cfg.MailboxPageLimit),
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/jobs", s.handleSubmit)
		r.Post("/jobs/images", s.handleSubmitImages)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Post("/jobs/{id}/commit", s.handleCommit)
		r.Get("/mailbox", s.handleMailbox)
		r.Get("/mailbox/messages", s.handleMailboxMessages)
	})
	r.Group(func(r chi.Router) {
		r.Use(requireUser, s.requireAdmin)
		r.Get("/dlq", s.handleDLQ)
	})

	return servertiming.Middleware(r, nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.queue != nil {
		if err := s.queue.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, codeUnavailable, "queue unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	status, applied, err := s.store.Cancel(r.Context(), job.ID)
	if err != nil {
		s.internalError(w, "cancel job", err)
		return
	}
	if !applied {
		telemetry.TransitionConflicts.WithLabelValues(string(models.StatusCanceled)).Inc()
		writeJSON(w, http.StatusConflict, map[string]any{
			"error_code":    codeConflict,
			"error_message": "job is already " + string(status),
			"status":        status,
		})
		return
	}
	telemetry.TerminalTransitions.WithLabelValues(string(models.StatusCanceled)).Inc()
	s.log.Info("job canceled", zap.String("job_id", job.ID), zap.String("from", string(job.Status)))
	writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "status": status})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.StatusComplete || job.Result == nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error_code":    codeConflict,
			"error_message": "only COMPLETE jobs can be committed",
			"status":        job.Status,
		})
		return
	}
	if err := s.sink.Save(r.Context(), job); err != nil {
		s.log.Warn("record sink failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusBadGateway, string(models.ErrSaveFailed), "could not save the recipe")
		return
	}
	applied, err := s.store.Commit(r.Context(), job.ID)
	if err != nil {
		s.internalError(w, "commit job", err)
		return
	}
	if !applied {
		current, _ := s.store.GetJob(r.Context(), job.ID)
		// Saves are keyed by job id, so a concurrent commit of the same job
		// left the sink holding the same record.
		if current.Status == models.StatusCommitted {
			writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "status": models.StatusCommitted})
			return
		}
		telemetry.TransitionConflicts.WithLabelValues(string(models.StatusCommitted)).Inc()
		s.log.Warn("commit lost the race after the record was saved",
			zap.String("job_id", job.ID), zap.String("status", string(current.Status)))
		writeJSON(w, http.StatusConflict, map[string]any{
			"error_code":    codeConflict,
			"error_message": "job is already " + string(current.Status),
			"status":        current.Status,
		})
		return
	}
	telemetry.TerminalTransitions.WithLabelValues(string(models.StatusCommitted)).Inc()
	writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "status": models.StatusCommitted})
}

func (s *Server) handleMailbox(w http.ResponseWriter, r *http.Request) {
	entries, err := s.mailbox.Pending(r.Context(), userFrom(r), limitParam(r))
	if err != nil {
		s.internalError(w, "list mailbox", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) handleMailboxMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.mailbox.Messages(r.Context(), userFrom(r), limitParam(r))
	if err != nil {
		s.internalError(w, "list mailbox messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": msgs})
}

// handleDLQ returns the oldest dead-lettered envelopes with their reasons.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	n := limitParam(r)
	if n <= 0 {
		n = defaultDLQPeekSize
	}
	items, err := s.queue.DLQPeek(r.Context(), int64(n))
	if err != nil {
		s.internalError(w, "read dlq", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ownedJob loads {id} and hides jobs that belong to someone else.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.UserID != userFrom(r)) {
		writeError(w, http.StatusNotFound, codeNotFound, "job not found")
		return models.Job{}, false
	}
	if err != nil {
		s.internalError(w, "get job", err)
		return models.Job{}, false
	}
	return job, true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, string(models.ErrInternal), op+" failed")
}

type userKey struct{}

// requireUser reads the user id set by the authenticating gateway.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(headerUserID)
		if user == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing "+headerUserID)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

// requireAdmin limits operator routes to the configured admin user ids.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r)
		for _, id := range s.cfg.AdminUserIDs {
			if id == user {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusForbidden, codeForbidden, "operator access required")
	})
}

func userFrom(r *http.Request) string {
	v, _ := r.Context().Value(userKey{}).(string)
	return v
}

func requestID(r *http.Request) string {
	if v := r.Header.Get(headerRequestID); v != "" {
		return v
	}
	return uuid.New().String()
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

// startTiming records a Server-Timing metric when the middleware is active.
func startTiming(ctx context.Context, name string) func() {
	timing := servertiming.FromContext(ctx)
	if timing == nil {
		return func() {}
	}
	m := timing.NewMetric(name).Start()
	return func() { m.Stop() }
}

type errorBody struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	NextAction   string `json:"next_action,omitempty"`
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, errorBody{ErrorCode: errCode, ErrorMessage: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
