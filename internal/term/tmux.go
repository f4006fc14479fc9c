package term

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Tmux drives sessions through the tmux binary. Safe for concurrent use:
// every call shells out and the tmux server serializes commands.
type Tmux struct {
	bin string
}

// NewTmux returns a driver using the tmux binary from PATH.
func NewTmux() *Tmux {
	return &Tmux{bin: "tmux"}
}

// run executes one tmux command and returns its stdout. Recognizable
// failures are mapped to the package sentinels.
func (t *Tmux) run(args ...string) (string, error) {
	cmd := exec.Command(t.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), t.wrapError(err, stderr.String(), args)
	}
	return stdout.String(), nil
}

// wrapError classifies tmux failures by stderr content. tmux reports
// errors as text on stderr with exit code 1, so string matching is the
// only way to tell "session not found" from a real failure.
func (t *Tmux) wrapError(err error, stderr string, args []string) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "no server running"),
		strings.Contains(msg, "error connecting to"):
		return ErrNoServer
	case strings.Contains(msg, "duplicate session"):
		return ErrSessionExists
	case strings.Contains(msg, "session not found"),
		strings.Contains(msg, "can't find session"):
		return ErrSessionNotFound
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		return ErrNoServer
	}
	if s := strings.TrimSpace(stderr); s != "" {
		return fmt.Errorf("tmux %s: %s", args[0], s)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// CreateSession starts a detached session. When command is non-empty it
// runs in the session's pane and the session ends when it exits.
func (t *Tmux) CreateSession(name, dir, command string) error {
	args := []string{"new-session", "-d", "-s", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	if command != "" {
		args = append(args, command)
	}
	_, err := t.run(args...)
	return err
}

// HasSession reports whether a session exists. The "=" prefix forces
// exact-name matching; without it tmux treats the target as a prefix.
func (t *Tmux) HasSession(name string) (bool, error) {
	_, err := t.run("has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListSessions returns all session names. No server means no sessions.
func (t *Tmux) ListSessions() ([]string, error) {
	out, err := t.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// SessionInfo returns metadata for one session.
func (t *Tmux) SessionInfo(name string) (*SessionInfo, error) {
	out, err := t.run("list-sessions", "-F",
		"#{session_name}\t#{session_windows}\t#{session_created}\t#{session_attached}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) != 4 || fields[0] != name {
			continue
		}
		info := &SessionInfo{Name: name}
		info.Windows, _ = strconv.Atoi(fields[1])
		if sec, perr := strconv.ParseInt(fields[2], 10, 64); perr == nil {
			info.Created = time.Unix(sec, 0)
		}
		info.Attached = fields[3] != "0"
		return info, nil
	}
	return nil, ErrSessionNotFound
}

// KillSession terminates a session and the process groups of its panes.
// tmux kill-session only signals the pane's direct child, so anything
// the agent spawned would otherwise be orphaned. Killing a session that
// doesn't exist is not an error.
func (t *Tmux) KillSession(name string) error {
	pids, err := t.panePIDs(name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return nil
		}
		return err
	}
	if _, err := t.run("kill-session", "-t", "="+name); err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return nil
		}
		return err
	}
	for _, pid := range pids {
		killProcessGroup(pid)
	}
	return nil
}

func (t *Tmux) panePIDs(name string) ([]int, error) {
	out, err := t.run("list-panes", "-s", "-t", "="+name, "-F", "#{pane_pid}")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if pid, perr := strconv.Atoi(strings.TrimSpace(line)); perr == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// SendText types text into the session without submitting it. The -l
// flag makes tmux treat the text literally instead of as key names.
func (t *Tmux) SendText(name, text string) error {
	_, err := t.run("send-keys", "-t", "="+name, "-l", text)
	return err
}

// SendKey sends a single special key by its tmux name.
func (t *Tmux) SendKey(name string, key Key) error {
	_, err := t.run("send-keys", "-t", "="+name, string(key))
	return err
}

// CaptureTail returns the last lines lines of the pane, including
// scrollback above the visible area.
func (t *Tmux) CaptureTail(name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	out, err := t.run("capture-pane", "-p", "-t", "="+name, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", err
	}
	return out, nil
}

// RenameSession renames a live session.
func (t *Tmux) RenameSession(oldName, newName string) error {
	_, err := t.run("rename-session", "-t", "="+oldName, newName)
	return err
}

// SetEnvironment sets a session environment variable. Only processes
// started after the call see it; the running pane does not.
func (t *Tmux) SetEnvironment(name, key, value string) error {
	_, err := t.run("set-environment", "-t", "="+name, key, value)
	return err
}

// EnsureFresh kills any existing session with this name and creates a
// new one. Used on respawn so a half-dead session from a crash never
// receives input meant for the replacement.
func (t *Tmux) EnsureFresh(name, dir, command string) error {
	exists, err := t.HasSession(name)
	if err != nil {
		return err
	}
	if exists {
		if err := t.KillSession(name); err != nil {
			return fmt.Errorf("killing stale session %s: %w", name, err)
		}
	}
	return t.CreateSession(name, dir, command)
}

// ProgramRunning reports whether any pane in the session is currently
// running program (compared against the pane's current command name).
// A missing session counts as not running.
func (t *Tmux) ProgramRunning(name, program string) (bool, error) {
	out, err := t.run("list-panes", "-s", "-t", "="+name, "-F", "#{pane_current_command}")
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	want := strings.ToLower(program)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		cmd := strings.ToLower(strings.TrimSpace(line))
		if cmd == want || strings.HasPrefix(cmd, want) {
			return true, nil
		}
	}
	return false, nil
}

// AttachHint returns the shell command a human runs to attach, for
// display in places that can't attach themselves.
func (t *Tmux) AttachHint(name string) string {
	return fmt.Sprintf("%s attach-session -t =%s", t.bin, name)
}

// Attach replaces the current terminal with an interactive attach to
// the session. Blocks until the user detaches or the session ends.
func (t *Tmux) Attach(name string) error {
	exists, err := t.HasSession(name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound
	}
	cmd := exec.Command(t.bin, "attach-session", "-t", "="+name)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
