package scheduler

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jonwraymond/toolguard/observe"
)

// DefaultAPIKeyHeader carries the schedule service API key.
const DefaultAPIKeyHeader = "X-API-Key"

// Server exposes an InProcess scheduler over HTTP:
//
//	POST   /schedule       Task JSON -> {"task_id": id}
//	GET    /schedule/{id}  -> Task JSON
//	DELETE /schedule/{id}  -> 204
type Server struct {
	sched     *InProcess
	router    *chi.Mux
	logger    observe.Logger
	keyHashes []string
	header    string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAPIKeys requires one of keys on every schedule request.
func WithAPIKeys(keys ...string) ServerOption {
	return func(s *Server) {
		for _, k := range keys {
			if k = strings.TrimSpace(k); k != "" {
				s.keyHashes = append(s.keyHashes, HashAPIKey(k))
			}
		}
	}
}

// WithAPIKeyHeader overrides DefaultAPIKeyHeader.
func WithAPIKeyHeader(name string) ServerOption {
	return func(s *Server) {
		if name != "" {
			s.header = name
		}
	}
}

// WithServerLogger sets the request logger.
func WithServerLogger(l observe.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a Server for sched.
func NewServer(sched *InProcess, opts ...ServerOption) *Server {
	s := &Server{
		sched:  sched,
		router: chi.NewRouter(),
		logger: observe.NopLogger(),
		header: DefaultAPIKeyHeader,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Route("/schedule", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/", s.handleSchedule)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleCancel)
	})
	return s
}

// Router returns the server's router, for mounting health endpoints.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HashAPIKey hashes an API key with SHA-256.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.keyHashes) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get(s.header))
		if key == "" {
			key = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing api key")
			return
		}
		hash := HashAPIKey(key)
		for _, h := range s.keyHashes {
			if subtle.ConstantTimeCompare([]byte(hash), []byte(h)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "invalid api key")
	})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var task Task
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid task: "+err.Error())
		return
	}
	id, err := s.sched.Schedule(r.Context(), task)
	switch {
	case errors.Is(err, ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error(r.Context(), "schedule task", observe.F("error", err))
		writeError(w, http.StatusInternalServerError, "failed to schedule task")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error(r.Context(), "get task", observe.F("error", err))
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.logger.Error(r.Context(), "cancel task", observe.F("error", err))
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
