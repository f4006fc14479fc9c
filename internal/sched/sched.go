// Package sched picks the next task for an agent and decides whether a
// completed task may flow straight into the next one.
//
// Selection and decisions are pure: every call reads one snapshot of
// the task store, ledger, and rules, and identical snapshots give
// identical answers. The scheduler never acquires reservations — the
// ledger is consulted only as a pre-flight against `file:` label hints.
package sched

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/logging"
	"github.com/squadhq/squad/internal/reserve"
	"github.com/squadhq/squad/internal/rules"
	"github.com/squadhq/squad/internal/task"
)

// NoteMarker is the per-task override line recognized in notes, e.g.
// "review-mode: auto". Task notes beat epic notes beat the rules file.
const NoteMarker = "review-mode:"

// Scheduler answers "what should this agent do next" and "may this
// completion auto-proceed".
type Scheduler struct {
	tasks  *task.Store
	ledger *reserve.Ledger
	rules  rules.Source
	log    *logging.Logger

	// defaultAction applies when the rules file is silent.
	defaultAction rules.Action
}

// Config assembles a Scheduler.
type Config struct {
	Tasks  *task.Store
	Ledger *reserve.Ledger
	Rules  rules.Source
	Log    *logging.Logger

	// DefaultAuto makes the global fallback auto rather than review.
	DefaultAuto bool
}

// New builds a Scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		tasks:         cfg.Tasks,
		ledger:        cfg.Ledger,
		rules:         cfg.Rules,
		log:           cfg.Log,
		defaultAction: rules.ActionReview,
	}
	if s.rules == nil {
		s.rules = rules.Static{}
	}
	if s.log == nil {
		s.log = logging.Default()
	}
	if cfg.DefaultAuto {
		s.defaultAction = rules.ActionAuto
	}
	return s
}

// PickNext returns the most attractive ready task for the agent
// without claiming it. NotFound means the queue is empty for this
// agent.
func (s *Scheduler) PickNext(ctx context.Context, agent string) (*task.Task, error) {
	cands, err := s.candidates(ctx, agent)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, fault.Errorf(fault.NotFound, "no ready task for %s", agent)
	}
	return cands[0], nil
}

// ClaimNext picks and atomically claims a task for the agent. When a
// concurrent claim wins the race for a candidate, the next one is
// tried; NotFound means everything ready was taken or nothing was
// ready.
func (s *Scheduler) ClaimNext(ctx context.Context, agent string) (*task.Task, error) {
	cands, err := s.candidates(ctx, agent)
	if err != nil {
		return nil, err
	}
	for _, t := range cands {
		err := s.tasks.Claim(ctx, t.ID, agent)
		if err == nil {
			claimed, err := s.tasks.Get(ctx, t.ID)
			if err != nil {
				return nil, err
			}
			return claimed, nil
		}
		if fault.IsConflict(err) {
			s.log.Debug("claim lost race, trying next candidate",
				zap.String("task", t.ID), zap.String("agent", agent))
			continue
		}
		return nil, err
	}
	return nil, fault.Errorf(fault.NotFound, "no ready task for %s", agent)
}

// candidates returns ready tasks this agent may take, most attractive
// first: the agent's own assignments, then lower priority number, then
// tasks whose file hints collide with nobody, then older tasks.
func (s *Scheduler) candidates(ctx context.Context, agent string) ([]*task.Task, error) {
	ready, err := s.tasks.Ready(ctx)
	if err != nil {
		return nil, err
	}

	cands := make([]*task.Task, 0, len(ready))
	conflicted := make(map[string]bool)
	for _, t := range ready {
		// Earmarked for someone else.
		if t.Assignee != "" && t.Assignee != agent {
			continue
		}
		if t.IsEpic() {
			open, err := s.epicHasOpenChildren(ctx, t.ID)
			if err != nil {
				return nil, err
			}
			if open {
				continue
			}
		}
		cands = append(cands, t)
		conflicted[t.ID] = s.fileConflict(t, agent)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if mine, theirs := a.Assignee == agent, b.Assignee == agent; mine != theirs {
			return mine
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if ca, cb := conflicted[a.ID], conflicted[b.ID]; ca != cb {
			return !ca
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return cands, nil
}

func (s *Scheduler) epicHasOpenChildren(ctx context.Context, id string) (bool, error) {
	children, err := s.tasks.Children(ctx, id)
	if err != nil {
		return false, err
	}
	for _, c := range children {
		if c.Status != task.StatusClosed {
			return true, nil
		}
	}
	return false, nil
}

// fileConflict reports whether any of the task's file hints is
// reserved by a different agent.
func (s *Scheduler) fileConflict(t *task.Task, agent string) bool {
	for _, path := range t.FileHints() {
		if holder, held := s.ledger.Holder(path); held && holder != agent {
			return true
		}
	}
	return false
}

// Decide resolves the review decision for a completed task. Precedence:
// the task's own notes, the parent epic's notes, the rules file, then
// the global default.
func (s *Scheduler) Decide(ctx context.Context, t *task.Task) rules.Decision {
	if a, ok := noteAction(t.Notes); ok {
		return rules.Decision{Action: a, Source: "task notes"}
	}
	if t.IsChild() {
		parent, err := s.tasks.Get(ctx, t.Parent)
		if err == nil {
			if a, ok := noteAction(parent.Notes); ok {
				return rules.Decision{Action: a, Source: "epic notes"}
			}
		} else if !fault.IsNotFound(err) {
			s.log.Warn("reading parent for review decision",
				zap.String("task", t.ID), zap.String("parent", t.Parent), zap.Error(err))
		}
	}
	if d, ok := s.rules.Current().ActionFor(t); ok {
		return d
	}
	return rules.Decision{Action: s.defaultAction, Source: "global default"}
}

// noteAction scans notes for a "review-mode:" line.
func noteAction(notes string) (rules.Action, bool) {
	for _, line := range strings.Split(notes, "\n") {
		rest, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(line)), NoteMarker)
		if !ok {
			continue
		}
		switch strings.TrimSpace(rest) {
		case "auto", "auto_proceed":
			return rules.ActionAuto, true
		case "review", "review_required":
			return rules.ActionReview, true
		}
	}
	return "", false
}
