package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/squadhq/squad/internal/config"
	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/task"
	"github.com/squadhq/squad/internal/telemetry"
)

// SpawnRequest describes a session to create. Every field except Mode
// may be left empty: a missing agent name is invented by the registry,
// and a missing task in work mode is claimed from the scheduler.
type SpawnRequest struct {
	Agent string `json:"agent,omitempty"`
	Task  string `json:"task,omitempty"`
	Mode  Mode   `json:"mode"`

	// Prompt adds caller instructions to the startup prompt, used by
	// chat and plan sessions.
	Prompt string `json:"prompt,omitempty"`
}

// Spawn registers the agent, claims a task when work mode needs one,
// and brings up a terminal running the agent program. The session is
// visible in pending state before the terminal exists.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*Session, error) {
	start := time.Now()

	if req.Mode == "" {
		req.Mode = ModeWork
	}
	if !ValidMode(req.Mode) {
		return nil, fault.Errorf(fault.Validation, "unknown spawn mode %q", req.Mode)
	}

	ag, err := s.agents.Register(ctx, req.Agent, s.conf.Agent.Program, s.conf.Agent.Model)
	if err != nil {
		return nil, err
	}

	name := SessionName(s.prefix, ag.Name)
	if err := s.reserveName(name); err != nil {
		return nil, err
	}

	var claimed *task.Task
	if req.Task != "" {
		claimed, err = s.claimForSpawn(ctx, req.Task, ag.Name)
	} else if req.Mode == ModeWork {
		claimed, err = s.sched.ClaimNext(ctx, ag.Name)
	}
	if err != nil {
		s.unreserveName(name)
		return nil, err
	}

	now := s.now().UTC()
	sess := Session{
		Name:         name,
		Agent:        ag.Name,
		Mode:         req.Mode,
		State:        StatePending,
		CreatedAt:    now,
		LastSignalAt: now,
	}
	if claimed != nil {
		sess.Task = claimed.ID
	}

	// The actor exists before the terminal does, so signals from a fast
	// agent are routed rather than dropped. The launch runs inside the
	// actor; its reply carries the starting record or the reason the
	// session died on the pad.
	s.adopt(sess)
	out, err := s.request(ctx, name, command{kind: cmdLaunch, prompt: spawnPrompt(req, ag.Name, claimed)})
	telemetry.RecordSpawn(ctx, ag.Name, float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return nil, err
	}

	s.log.Info("spawned session",
		zap.String("session", name), zap.String("agent", ag.Name),
		zap.String("task", out.Task), zap.String("mode", string(req.Mode)))
	return out, nil
}

// reserveName claims the session name, replacing a finished session's
// actor. A live session under the name is a conflict.
func (s *Supervisor) reserveName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[name]; ok {
		if rec.State != StateComplete && rec.State != StateDead {
			return fault.Errorf(fault.Conflict, "session %s is %s; kill it first", name, rec.State)
		}
		// Finished: drop the old actor outside the lock is not needed —
		// stop is quick because the actor idles.
		if a, live := s.actors[name]; live {
			delete(s.actors, name)
			go a.stop()
		}
		delete(s.records, name)
	}
	// Placeholder so concurrent spawns of the same agent collide.
	s.records[name] = Session{Name: name, State: StatePending, CreatedAt: s.now().UTC()}
	return nil
}

func (s *Supervisor) unreserveName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[name]; ok && rec.State == StatePending {
		if _, live := s.actors[name]; !live {
			delete(s.records, name)
		}
	}
}

// adopt installs an actor for the session record and persists it.
func (s *Supervisor) adopt(sess Session) *actor {
	a := s.newActor(sess)
	s.mu.Lock()
	s.actors[sess.Name] = a
	s.records[sess.Name] = sess
	s.mu.Unlock()
	s.saveSnapshot()
	return a
}

// claimForSpawn claims an explicit task for the agent. A task already
// in progress under the same agent is fine — the spawn continues it.
func (s *Supervisor) claimForSpawn(ctx context.Context, id, agentName string) (*task.Task, error) {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case task.StatusClosed:
		return nil, fault.Errorf(fault.Invariant, "task %s is closed", id)
	case task.StatusInProgress:
		if t.Assignee == agentName {
			return t, nil
		}
		return nil, fault.Errorf(fault.Conflict, "task %s is in progress under %s", id, t.Assignee)
	}
	if err := s.tasks.Claim(ctx, id, agentName); err != nil {
		return nil, err
	}
	return s.tasks.Get(ctx, id)
}

// launch creates the terminal for a session record: environment,
// startup command, and a fresh session under the record's name. It is
// shared by spawn, resume, and auto-proceed.
func (s *Supervisor) launch(sess *Session, prompt string) error {
	env := config.AgentEnv(config.AgentEnvConfig{
		Agent:       sess.Agent,
		Session:     sess.Name,
		Task:        sess.Task,
		StateDir:    s.stateDir,
		GatewayAddr: s.conf.HTTP.Addr,
		Model:       s.conf.Agent.Model,
	})
	command := config.BuildStartupCommand(env, s.conf.Agent.Program, prompt)

	if err := s.driver.EnsureFresh(sess.Name, s.workDir, command); err != nil {
		return driverFault(err, "creating terminal session")
	}
	for k, v := range env {
		if err := s.driver.SetEnvironment(sess.Name, k, v); err != nil {
			s.log.Debug("setting session environment", zap.String("var", k), zap.Error(err))
		}
	}
	return nil
}

// spawnPrompt builds the startup prompt for a fresh spawn.
func spawnPrompt(req SpawnRequest, agentName string, t *task.Task) string {
	switch req.Mode {
	case ModeChat:
		return chatPrompt(agentName, t, req.Prompt)
	case ModePlan:
		return planPrompt(agentName, t, req.Prompt)
	default:
		return workPrompt(agentName, t)
	}
}

func workPrompt(agentName string, t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are agent %s.", agentName)
	if t != nil {
		fmt.Fprintf(&b, " Work task %s: %s.", t.ID, t.Title)
		if t.Description != "" {
			fmt.Fprintf(&b, "\n\n%s", t.Description)
		}
	}
	b.WriteString("\n\nEmit lifecycle signals to $SQUAD_GATEWAY as you go, and a complete signal when done.")
	return b.String()
}

func chatPrompt(agentName string, t *task.Task, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are agent %s in a conversation.", agentName)
	if t != nil {
		fmt.Fprintf(&b, " The thread lives on task %s; read its description for context and append replies there.", t.ID)
	}
	if extra != "" {
		b.WriteString("\n\n")
		b.WriteString(extra)
	}
	return b.String()
}

func planPrompt(agentName string, t *task.Task, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are agent %s. Draft a plan only; do not modify files.", agentName)
	if t != nil {
		fmt.Fprintf(&b, " Subject: task %s: %s.", t.ID, t.Title)
	}
	if extra != "" {
		b.WriteString("\n\n")
		b.WriteString(extra)
	}
	return b.String()
}

func resumePrompt(agentName string, t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are agent %s, resuming a paused session.", agentName)
	if t != nil {
		fmt.Fprintf(&b, " You were working task %s: %s. Pick up where you left off.", t.ID, t.Title)
	}
	return b.String()
}
