// Package gateway exposes the core over HTTP: a REST surface for
// tasks and sessions, a signal ingest endpoint, and a live stream of
// the signal fan-out over WebSocket or SSE.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/logging"
	"github.com/squadhq/squad/internal/signal"
	"github.com/squadhq/squad/internal/supervisor"
	"github.com/squadhq/squad/internal/task"
	"github.com/squadhq/squad/internal/version"
)

// Config wires a Server to the core.
type Config struct {
	Tasks *task.Store
	Sup   *supervisor.Supervisor
	Bus   *signal.Bus
	Log   *logging.Logger
}

// Server serves the REST and streaming API. It holds no state of its
// own; every request is answered from the store, the supervisor, or
// the bus.
type Server struct {
	tasks *task.Store
	sup   *supervisor.Supervisor
	bus   *signal.Bus
	log   *logging.Logger
	mux   *http.ServeMux

	// snapshotEvery paces the periodic snapshot frames on the stream,
	// shortened in tests.
	snapshotEvery time.Duration
}

// New builds a Server with its routes registered.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	s := &Server{
		tasks:         cfg.Tasks,
		sup:           cfg.Sup,
		bus:           cfg.Bus,
		log:           log,
		mux:           http.NewServeMux(),
		snapshotEvery: 30 * time.Second,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /tasks", s.handleCreateTasks)
	s.mux.HandleFunc("GET /tasks", s.handleListTasks)
	s.mux.HandleFunc("POST /tasks/bulk", s.handleBulkCreate)
	s.mux.HandleFunc("GET /tasks/ready", s.handleReadyTasks)
	s.mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("PATCH /tasks/{id}", s.handleUpdateTask)
	s.mux.HandleFunc("DELETE /tasks/{id}", s.handleCloseTask)
	s.mux.HandleFunc("GET /epic/close-eligible", s.handleCloseEligibleEpics)

	s.mux.HandleFunc("POST /work/spawn", s.handleSpawn)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /sessions/{name}/pause", s.handlePause)
	s.mux.HandleFunc("POST /sessions/{name}/resume", s.handleResume)
	s.mux.HandleFunc("POST /sessions/{name}/attach", s.handleAttach)
	s.mux.HandleFunc("DELETE /sessions/{name}", s.handleKill)

	s.mux.HandleFunc("POST /signals/{kind}", s.handleSignal)
	s.mux.HandleFunc("GET /signals/stream", s.handleStream)
}

// Handler returns the root handler with CORS and request ids applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(requestIDMiddleware(s.mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"project":        s.tasks.Project(),
		"version":        version.String(),
		"lastSeq":        s.bus.LastSeq(),
		"subscribers":    s.bus.SubscriberCount(),
		"activeSessions": s.sup.ActiveCount(),
	})
}

// corsMiddleware adds CORS headers to all responses and handles
// OPTIONS preflight.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware tags every request with an id, keeping one the
// caller already set, so responses and log lines correlate.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), logging.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusFor maps a fault kind to its HTTP status.
func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Conflict:
		return http.StatusConflict
	case fault.Invariant:
		return http.StatusUnprocessableEntity
	case fault.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFault writes an error as a JSON response, status from its kind.
func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.WithContext(r.Context()).WithError(err).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}{
		Success: false,
		Error:   message,
	})
}

// decodeBody decodes a JSON request body into v, rejecting unknown
// top-level fields so typos fail loudly instead of silently no-oping.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.Validation, err, "malformed request body")
	}
	return nil
}

// maxBodyBytes bounds request bodies; bulk creates are the largest
// legitimate payload and stay far under this.
const maxBodyBytes = 4 << 20
