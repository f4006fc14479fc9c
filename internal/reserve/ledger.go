// Package reserve is the file reservation ledger: an advisory map of
// canonical path to the agent that intends to edit it. At most one
// reservation exists per path. The ledger survives restarts through a
// JSON snapshot in the state dir.
package reserve

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/util"
)

// FileName is the snapshot file inside the state dir.
const FileName = "reservations.json"

const shardCount = 16

// Reservation records one agent's claim on one path.
type Reservation struct {
	Path       string    `json:"path"`
	Agent      string    `json:"agent"`
	Task       string    `json:"task,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// HeldError is returned by Acquire when another agent holds the path.
// Callers decide whether to block, skip, or proceed anyway.
type HeldError struct {
	Path   string
	Holder string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("path %s is reserved by %s", e.Path, e.Holder)
}

type shard struct {
	mu     sync.Mutex
	byPath map[string]*Reservation
}

// Ledger holds reservations in sharded maps so unrelated paths never
// contend on one lock.
type Ledger struct {
	shards [shardCount]shard

	// saveMu serializes snapshot writes; the snapshot itself collects
	// shard contents one shard at a time.
	saveMu sync.Mutex
	path   string
}

// Open loads (or initializes) the ledger snapshot at path.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path}
	for i := range l.shards {
		l.shards[i].byPath = make(map[string]*Reservation)
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading reservations: %w", err)
	}
	var saved []*Reservation
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, fault.Wrap(fault.Integrity, err, "reservations snapshot corrupt")
	}
	for _, r := range saved {
		s := l.shardFor(r.Path)
		s.byPath[r.Path] = r
	}
	return l, nil
}

func (l *Ledger) shardFor(path string) *shard {
	h := fnv.New32a()
	h.Write([]byte(path))
	return &l.shards[h.Sum32()%shardCount]
}

// Acquire reserves a path for an agent. Re-acquiring a path the agent
// already holds refreshes it. A path held by someone else fails with a
// HeldError carrying the holder's name.
func (l *Ledger) Acquire(path, agent, task string) (*Reservation, error) {
	if agent == "" {
		return nil, fault.New(fault.Validation, "agent is required")
	}
	canonical, err := Canonicalize(path)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "bad path")
	}

	s := l.shardFor(canonical)
	s.mu.Lock()
	if existing, ok := s.byPath[canonical]; ok && existing.Agent != agent {
		holder := existing.Agent
		s.mu.Unlock()
		return nil, fault.Wrap(fault.Conflict, &HeldError{Path: canonical, Holder: holder}, "reservation conflict")
	}
	r := &Reservation{Path: canonical, Agent: agent, Task: task, AcquiredAt: time.Now().UTC()}
	s.byPath[canonical] = r
	s.mu.Unlock()

	if err := l.save(); err != nil {
		return r, err
	}
	return r, nil
}

// Release drops every reservation held by an agent and reports how many
// were released.
func (l *Ledger) Release(agent string) (int, error) {
	released := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for path, r := range s.byPath {
			if r.Agent == agent {
				delete(s.byPath, path)
				released++
			}
		}
		s.mu.Unlock()
	}
	if released == 0 {
		return 0, nil
	}
	return released, l.save()
}

// ReleasePath drops the reservation on one path, whoever holds it.
// Releasing an unreserved path is a no-op.
func (l *Ledger) ReleasePath(path string) (bool, error) {
	canonical, err := Canonicalize(path)
	if err != nil {
		return false, fault.Wrap(fault.Validation, err, "bad path")
	}
	s := l.shardFor(canonical)
	s.mu.Lock()
	_, ok := s.byPath[canonical]
	delete(s.byPath, canonical)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, l.save()
}

// Holder returns the agent holding a path, if any.
func (l *Ledger) Holder(path string) (string, bool) {
	canonical, err := Canonicalize(path)
	if err != nil {
		return "", false
	}
	s := l.shardFor(canonical)
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.byPath[canonical]; ok {
		return r.Agent, true
	}
	return "", false
}

// List returns reservations sorted by path. With a non-empty agent only
// that agent's reservations are returned.
func (l *Ledger) List(agent string) []*Reservation {
	var out []*Reservation
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for _, r := range s.byPath {
			if agent == "" || r.Agent == agent {
				copied := *r
				out = append(out, &copied)
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Len returns the total reservation count.
func (l *Ledger) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.byPath)
		s.mu.Unlock()
	}
	return n
}

// save writes the snapshot atomically. The in-memory state is already
// updated when save runs; a failed save leaves the ledger current in
// memory and stale on disk until the next mutation.
func (l *Ledger) save() error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()
	snapshot := l.List("")
	if err := util.AtomicWriteJSON(l.path, snapshot); err != nil {
		return fmt.Errorf("persisting reservations: %w", err)
	}
	return nil
}
