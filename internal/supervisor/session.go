// Package supervisor owns agent sessions: it spawns them into terminal
// sessions, advances a per-session state machine from bus signals,
// pauses and resumes them, and reconciles records with live terminals
// after a crash.
//
// Each session is owned by one actor goroutine. External requests and
// bus signals arrive as commands on the actor's channel, so the state
// machine itself never needs a lock.
package supervisor

import (
	"time"
)

// State is a session's position in its lifecycle.
type State string

const (
	// StatePending is the window between accepting a spawn and the
	// terminal existing.
	StatePending State = "pending"

	// StateStarting means the terminal exists and the agent program is
	// booting.
	StateStarting State = "starting"

	// StateWorking means the agent reported progress on its task.
	StateWorking State = "working"

	// StateReview means the agent finished and asked for human review.
	StateReview State = "review"

	// StateCompleting means the agent is running its completion steps.
	StateCompleting State = "completing"

	// StateComplete is terminal-success; the session lingers for
	// inspection until killed or reaped.
	StateComplete State = "complete"

	// StatePaused means the terminal was deliberately torn down and the
	// session can be resumed by name.
	StatePaused State = "paused"

	// StateDead is terminal-failure: killed, crashed, or gone stale.
	StateDead State = "dead"
)

// Active reports whether the session should have a live terminal and
// is watched by the heartbeat.
func (s State) Active() bool {
	switch s {
	case StatePending, StateStarting, StateWorking, StateReview, StateCompleting:
		return true
	}
	return false
}

// Mode is what kind of work the session was spawned for.
type Mode string

const (
	// ModeWork drives a task to completion.
	ModeWork Mode = "work"
	// ModeChat converses on a chat-origin task without a work loop.
	ModeChat Mode = "chat"
	// ModePlan drafts a plan without touching files.
	ModePlan Mode = "plan"
)

// ValidMode reports whether m is a known spawn mode.
func ValidMode(m Mode) bool {
	return m == ModeWork || m == ModeChat || m == ModePlan
}

// Session is the durable record for one agent session. Copies of it
// travel to callers and to the snapshot file; the owning actor holds
// the only mutable instance.
type Session struct {
	// Name is the terminal session name, prefix plus agent.
	Name string `json:"name"`

	Agent string `json:"agent"`
	Task  string `json:"task,omitempty"`
	Mode  Mode   `json:"mode"`
	State State  `json:"state"`

	// Reason says why a session is paused or dead.
	Reason string `json:"reason,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastSignalAt time.Time `json:"last_signal_at"`

	// CompletedAt feeds the reap grace period.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// OutputTail is the last pane capture, taken when the terminal is
	// about to go away (pause, kill, stale).
	OutputTail string `json:"output_tail,omitempty"`
}

// SessionName builds the terminal session name for an agent.
func SessionName(prefix, agent string) string {
	return prefix + agent
}
