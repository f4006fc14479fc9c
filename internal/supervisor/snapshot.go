package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/squadhq/squad/internal/signal"
	"github.com/squadhq/squad/internal/term"
	"github.com/squadhq/squad/internal/util"
)

// SnapshotFileName is the session snapshot inside the state dir.
const SnapshotFileName = "sessions.json"

type snapshotFile struct {
	Version  int       `json:"version"`
	SavedAt  time.Time `json:"saved_at"`
	Sessions []Session `json:"sessions"`

	// Signals holds the latest retained signal per (session, kind) so a
	// restart keeps serving the last known lifecycle facts.
	Signals []*signal.Signal `json:"signals,omitempty"`
}

// CountActive reports how many sessions the snapshot under stateDir
// records in an active state, for callers outside the serve process.
func CountActive(stateDir string) int {
	data, err := os.ReadFile(filepath.Join(stateDir, SnapshotFileName))
	if err != nil {
		return 0
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0
	}
	n := 0
	for _, rec := range snap.Sessions {
		if rec.State.Active() {
			n++
		}
	}
	return n
}

// saveSnapshot persists all session records and their retained signals.
// Called after every state change; the file is small and the write is
// atomic.
func (s *Supervisor) saveSnapshot() {
	s.mu.RLock()
	sessions := make([]Session, 0, len(s.records))
	for _, rec := range s.records {
		sessions = append(sessions, rec)
	}
	s.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name < sessions[j].Name })

	var sigs []*signal.Signal
	for _, rec := range sessions {
		sigs = append(sigs, s.bus.Latest(rec.Name)...)
	}

	snap := snapshotFile{Version: 1, SavedAt: s.now().UTC(), Sessions: sessions, Signals: sigs}
	path := filepath.Join(s.stateDir, SnapshotFileName)
	if err := util.AtomicWriteJSON(path, snap); err != nil {
		s.log.Warn("writing session snapshot", zap.Error(err))
	}
}

// loadSnapshot reads the snapshot. Missing or unreadable snapshots
// start empty — the records are reconstructible from live terminals,
// so a corrupt file is not worth refusing to serve over.
func (s *Supervisor) loadSnapshot() snapshotFile {
	path := filepath.Join(s.stateDir, SnapshotFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return snapshotFile{}
	}
	if err != nil {
		s.log.Warn("reading session snapshot", zap.Error(err))
		return snapshotFile{}
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn("session snapshot corrupt, starting from live terminals", zap.Error(err))
		return snapshotFile{}
	}
	return snap
}

// recover reconciles snapshot records with live terminals:
// active-state records whose terminal vanished die, live terminals
// under our prefix with no record are adopted as starting, and dead
// agents' reservations are released. Retained signals from the snapshot
// are seeded back into the bus so Latest keeps answering across the
// restart.
func (s *Supervisor) recover(ctx context.Context) error {
	snap := s.loadSnapshot()
	records := snap.Sessions
	s.bus.Restore(snap.Signals)

	liveNames, err := s.driver.ListSessions()
	if err != nil && !errors.Is(err, term.ErrNoServer) {
		return driverFault(err, "listing terminal sessions")
	}
	live := make(map[string]bool, len(liveNames))
	for _, n := range liveNames {
		live[n] = true
	}

	now := s.now().UTC()
	var lost []Session

	s.mu.Lock()
	for _, rec := range records {
		if rec.Name == "" {
			continue
		}
		if rec.State.Active() && !live[rec.Name] {
			rec.State = StateDead
			rec.Reason = "terminal lost across restart"
			lost = append(lost, rec)
		}
		a := s.newActor(rec)
		s.actors[rec.Name] = a
		s.records[rec.Name] = rec
	}

	// Terminals in our namespace that nobody remembers: adopt them so
	// their signals route and the heartbeat watches them.
	for _, name := range liveNames {
		if !s.hasPrefix(name) {
			continue
		}
		if _, ok := s.records[name]; ok {
			continue
		}
		rec := Session{
			Name:         name,
			Agent:        name[len(s.prefix):],
			Mode:         ModeWork,
			State:        StateStarting,
			CreatedAt:    now,
			LastSignalAt: now,
		}
		// The terminal knows when it was really created.
		if info, ierr := s.driver.SessionInfo(name); ierr == nil && !info.Created.IsZero() {
			rec.CreatedAt = info.Created.UTC()
		}
		a := s.newActor(rec)
		s.actors[name] = a
		s.records[name] = rec
		s.log.Info("adopted orphan terminal", zap.String("session", name))
	}

	deadAgents := make(map[string]bool)
	for _, rec := range s.records {
		if rec.State == StateDead && rec.Agent != "" {
			deadAgents[rec.Agent] = true
		}
	}
	s.mu.Unlock()

	for agent := range deadAgents {
		s.releaseReservations(agent)
	}
	for _, rec := range lost {
		s.log.Warn("session lost across restart",
			zap.String("session", rec.Name), zap.String("task", rec.Task))
		s.emit(signal.KindDead, rec.Name, rec.Task,
			signal.DeadPayload{Session: rec.Name, Reason: rec.Reason})
	}

	s.saveSnapshot()
	return nil
}
