package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/signal"
	"github.com/squadhq/squad/internal/task"
	"github.com/squadhq/squad/internal/telemetry"
)

// handleCreateTasks accepts either a single create spec or a JSON
// array of specs, so callers never need the separate bulk route.
func (s *Server) handleCreateTasks(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "reading request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if isJSONArray(body) {
		s.createBulk(w, r, body)
		return
	}

	var spec task.CreateSpec
	if err := json.Unmarshal(body, &spec); err != nil {
		s.writeFault(w, r, fault.Wrap(fault.Validation, err, "malformed task spec"))
		return
	}
	created, err := s.tasks.Create(r.Context(), spec)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleBulkCreate creates a batch atomically, wiring ref-based
// dependencies between the new tasks.
func (s *Server) handleBulkCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "reading request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.createBulk(w, r, body)
}

func (s *Server) createBulk(w http.ResponseWriter, r *http.Request, body []byte) {
	var specs []task.CreateSpec
	if err := json.Unmarshal(body, &specs); err != nil {
		s.writeFault(w, r, fault.Wrap(fault.Validation, err, "malformed task specs"))
		return
	}
	created, err := s.tasks.CreateBulk(r.Context(), specs)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"tasks": created,
		"count": len(created),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), filter)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// filterFromQuery builds a list filter from query parameters:
// status (comma-separated), type, assignee, parent, label, limit.
func filterFromQuery(r *http.Request) (task.Filter, error) {
	q := r.URL.Query()
	var f task.Filter
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := task.Status(strings.TrimSpace(part))
			if !task.ValidStatus(st) {
				return f, fault.Errorf(fault.Validation, "unknown status %q", st)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := q.Get("type"); raw != "" {
		it := task.IssueType(raw)
		if !task.ValidIssueType(it) {
			return f, fault.Errorf(fault.Validation, "unknown issue type %q", it)
		}
		f.IssueType = it
	}
	f.Assignee = q.Get("assignee")
	f.Parent = q.Get("parent")
	f.Label = q.Get("label")
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return f, fault.Errorf(fault.Validation, "bad limit %q", raw)
		}
		f.Limit = limit
	}
	return f, nil
}

func (s *Server) handleReadyTasks(w http.ResponseWriter, r *http.Request) {
	ready, err := s.tasks.Ready(r.Context())
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ready)
}

// taskID extracts the {id} path value and rejects ids that can't name
// a task, before they reach the store.
func taskID(r *http.Request) (string, error) {
	id := r.PathValue("id")
	if err := task.ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	var patch task.Patch
	if err := decodeBody(r, &patch); err != nil {
		s.writeFault(w, r, err)
		return
	}
	updated, err := s.tasks.Update(r.Context(), id, patch)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleCloseTask closes a task, the DELETE spelling of PATCH
// status=closed. ?reason= records why and ?force=true overrides the
// open-dependents check.
func (s *Server) handleCloseTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	q := r.URL.Query()
	force := q.Get("force") == "true" || q.Get("force") == "1"
	closed, err := s.tasks.CloseTask(r.Context(), id, q.Get("reason"), force)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

func (s *Server) handleCloseEligibleEpics(w http.ResponseWriter, r *http.Request) {
	closed, err := s.tasks.CloseEligibleEpics(r.Context())
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	if closed == nil {
		closed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"closed": closed,
		"count":  len(closed),
	})
}

// handleSignal ingests one signal. The body is either a full envelope
// {kind, payload, timestamp} or a bare payload; the path kind is
// authoritative and a conflicting envelope kind is rejected.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	kind := signal.Kind(r.PathValue("kind"))
	if !signal.ValidKind(kind) {
		s.dropSignal(w, r, "invalid", fault.Errorf(fault.Validation, "unknown signal kind %q", kind))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "reading request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var env signal.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.dropSignal(w, r, string(kind), fault.Wrap(fault.Validation, err, "malformed signal"))
		return
	}
	if env.Kind != "" && env.Kind != kind {
		s.dropSignal(w, r, string(kind), fault.Errorf(fault.Validation, "envelope kind %q does not match path kind %q", env.Kind, kind))
		return
	}
	env.Kind = kind
	if len(env.Payload) == 0 {
		// Bare payload form: the body itself is the payload.
		env.Payload = body
	}

	sig, err := env.Signal()
	if err != nil {
		s.dropSignal(w, r, string(kind), err)
		return
	}
	seq, deduped := s.bus.Publish(sig)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"seq":     seq,
		"deduped": deduped,
	})
}

// dropSignal rejects an unusable inbound signal: one log line, one
// counter bump, and the fault back to the sender. State never moves.
func (s *Server) dropSignal(w http.ResponseWriter, r *http.Request, kind string, err error) {
	s.log.WithContext(r.Context()).Warn("dropping signal",
		zap.String("kind", kind), zap.Error(err))
	telemetry.RecordSignalDropped(r.Context(), kind)
	s.writeFault(w, r, err)
}

// isJSONArray reports whether body starts with '[' after whitespace.
func isJSONArray(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}
