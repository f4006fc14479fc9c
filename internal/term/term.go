// Package term manages terminal multiplexer sessions for agents.
//
// Every agent runs inside a detached multiplexer session so it survives
// operator disconnects and can be attached to from any terminal. The
// Driver interface abstracts the multiplexer; Tmux is the production
// implementation and Fake backs tests.
package term

import (
	"errors"
	"time"
)

// Sentinel errors for session operations.
var (
	// ErrNoServer indicates the multiplexer server isn't running or the
	// binary is missing. Callers that only need "no sessions" semantics
	// should treat this as an empty list.
	ErrNoServer = errors.New("no multiplexer server running")

	// ErrSessionExists indicates a session with that name already exists.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound indicates no session with that name exists.
	ErrSessionNotFound = errors.New("session not found")
)

// Key names a special key that can be sent to a session. The values are
// tmux key names so the Tmux driver passes them through verbatim.
type Key string

const (
	KeyEnter  Key = "Enter"
	KeyEscape Key = "Escape"
	KeyUp     Key = "Up"
	KeyDown   Key = "Down"
	KeyTab    Key = "Tab"
	KeyCtrlC  Key = "C-c"
)

// SessionInfo describes a live session.
type SessionInfo struct {
	Name     string
	Windows  int
	Created  time.Time
	Attached bool
}

// Driver is the session backend used by the supervisor and CLI.
//
// All methods address sessions by exact name. CreateSession returns
// ErrSessionExists when the name is taken; operations on missing
// sessions return ErrSessionNotFound.
type Driver interface {
	// CreateSession starts a detached session named name in dir. When
	// command is non-empty it runs in the new session's pane; otherwise
	// the default shell starts.
	CreateSession(name, dir, command string) error

	// HasSession reports whether a session named name exists. A missing
	// server counts as "no sessions", not an error.
	HasSession(name string) (bool, error)

	// ListSessions returns the names of all live sessions. A missing
	// server yields an empty list.
	ListSessions() ([]string, error)

	// SessionInfo returns metadata for one session.
	SessionInfo(name string) (*SessionInfo, error)

	// KillSession terminates the session and any processes it spawned.
	// Killing a session that doesn't exist is not an error.
	KillSession(name string) error

	// SendText types text into the session without a trailing Enter.
	SendText(name, text string) error

	// SendKey sends a single special key.
	SendKey(name string, key Key) error

	// CaptureTail returns the last lines lines of the session's pane,
	// including scrollback.
	CaptureTail(name string, lines int) (string, error)

	// RenameSession renames a live session.
	RenameSession(oldName, newName string) error

	// SetEnvironment sets an environment variable in the session so
	// processes started later inherit it.
	SetEnvironment(name, key, value string) error

	// EnsureFresh guarantees a clean session with the given name: any
	// existing session (including one left by a crash) is killed and a
	// new one created.
	EnsureFresh(name, dir, command string) error

	// ProgramRunning reports whether the session's pane is running the
	// named program. A missing session counts as not running.
	ProgramRunning(name, program string) (bool, error)

	// Nudge delivers a message to the session's interactive prompt,
	// verifying it landed before submitting.
	Nudge(name, message string) error

	// Attach connects the current terminal to the session interactively.
	Attach(name string) error
}
