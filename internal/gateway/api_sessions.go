package gateway

import (
	"net/http"

	"github.com/squadhq/squad/internal/supervisor"
)

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req supervisor.SpawnRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFault(w, r, err)
		return
	}
	if req.Mode == "" {
		req.Mode = supervisor.ModeWork
	}
	sess, err := s.sup.Spawn(r.Context(), req)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.List())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sup.Pause(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// resumeRequest carries the optional text typed into the resumed
// session after the terminal is back.
type resumeRequest struct {
	Text string `json:"text,omitempty"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeFault(w, r, err)
			return
		}
	}
	sess, err := s.sup.Resume(r.Context(), r.PathValue("name"), req.Text)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleAttach returns the command a human runs to watch the session;
// the server never execs it on the caller's behalf.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	command, err := s.sup.AttachCommand(r.PathValue("name"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"command": command})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sup.Kill(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
