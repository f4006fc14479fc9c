package term

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Driver for tests. It records every call, keeps
// typed-but-unsubmitted input per session, and can simulate a downed
// server or zombie panes. Safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	zombies  map[string]bool

	// Calls records method invocations in order, formatted as
	// "Method name" or "Method name arg".
	Calls []string

	// Down simulates a missing multiplexer server: creates fail with
	// ErrNoServer and listing reports nothing.
	Down bool
}

type fakeSession struct {
	dir     string
	command string
	env     map[string]string
	input   []string // everything typed, one entry per Send call
	tail    string   // canned CaptureTail output
	created time.Time
}

// NewFake returns a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{
		sessions: make(map[string]*fakeSession),
		zombies:  make(map[string]bool),
	}
}

func (f *Fake) record(method string, args ...string) {
	call := method
	if len(args) > 0 {
		call += " " + strings.Join(args, " ")
	}
	f.Calls = append(f.Calls, call)
}

func (f *Fake) CreateSession(name, dir, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateSession", name)
	if f.Down {
		return ErrNoServer
	}
	if _, ok := f.sessions[name]; ok {
		return ErrSessionExists
	}
	f.sessions[name] = &fakeSession{
		dir:     dir,
		command: command,
		env:     make(map[string]string),
		created: time.Now(),
	}
	return nil
}

func (f *Fake) HasSession(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("HasSession", name)
	if f.Down {
		return false, nil
	}
	_, ok := f.sessions[name]
	return ok, nil
}

func (f *Fake) ListSessions() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListSessions")
	if f.Down {
		return nil, nil
	}
	var names []string
	for name := range f.sessions {
		names = append(names, name)
	}
	return names, nil
}

func (f *Fake) SessionInfo(name string) (*SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SessionInfo", name)
	s, ok := f.sessions[name]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &SessionInfo{Name: name, Windows: 1, Created: s.created}, nil
}

func (f *Fake) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("KillSession", name)
	delete(f.sessions, name)
	delete(f.zombies, name)
	return nil
}

func (f *Fake) SendText(name, text string) error {
	return f.recordInput("SendText", name, text)
}

func (f *Fake) SendKey(name string, key Key) error {
	return f.recordInput("SendKey", name, string(key))
}

func (f *Fake) recordInput(method, name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(method, name)
	s, ok := f.sessions[name]
	if !ok {
		return ErrSessionNotFound
	}
	s.input = append(s.input, text)
	return nil
}

func (f *Fake) CaptureTail(name string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CaptureTail", name)
	s, ok := f.sessions[name]
	if !ok {
		return "", ErrSessionNotFound
	}
	if s.tail != "" {
		return s.tail, nil
	}
	// Echo typed input back so Nudge-style verify loops see it.
	return strings.Join(s.input, "\n"), nil
}

func (f *Fake) RenameSession(oldName, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RenameSession", oldName, newName)
	s, ok := f.sessions[oldName]
	if !ok {
		return ErrSessionNotFound
	}
	if _, taken := f.sessions[newName]; taken {
		return ErrSessionExists
	}
	delete(f.sessions, oldName)
	f.sessions[newName] = s
	return nil
}

func (f *Fake) SetEnvironment(name, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetEnvironment", name, key)
	s, ok := f.sessions[name]
	if !ok {
		return ErrSessionNotFound
	}
	s.env[key] = value
	return nil
}

func (f *Fake) EnsureFresh(name, dir, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("EnsureFresh", name)
	if f.Down {
		return ErrNoServer
	}
	delete(f.zombies, name)
	f.sessions[name] = &fakeSession{
		dir:     dir,
		command: command,
		env:     make(map[string]string),
		created: time.Now(),
	}
	return nil
}

func (f *Fake) ProgramRunning(name, program string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ProgramRunning", name)
	if _, ok := f.sessions[name]; !ok {
		return false, nil
	}
	return !f.zombies[name], nil
}

func (f *Fake) Nudge(name, message string) error {
	return f.recordInput("Nudge", name, message)
}

func (f *Fake) Attach(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Attach", name)
	if _, ok := f.sessions[name]; !ok {
		return ErrSessionNotFound
	}
	return nil
}

// SetTail sets canned CaptureTail output for a session.
func (f *Fake) SetTail(name, tail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		s.tail = tail
	}
}

// SetZombie marks a session whose pane exists but whose program has
// exited; ProgramRunning reports false for it until the session is
// recreated.
func (f *Fake) SetZombie(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zombies[name] = true
}

// Input returns everything typed into a session, in order.
func (f *Fake) Input(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return nil
	}
	return append([]string(nil), s.input...)
}

// Env returns one session environment variable, or "".
func (f *Fake) Env(name, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return ""
	}
	return s.env[key]
}

// Command returns the command a session was created with.
func (f *Fake) Command(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return ""
	}
	return s.command
}

// CalledWith reports whether a call matching prefix was recorded.
func (f *Fake) CalledWith(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

var _ Driver = (*Fake)(nil)
var _ Driver = (*Tmux)(nil)

// String implements fmt.Stringer for debug logging in tests.
func (f *Fake) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("fake driver: %d sessions, %d calls", len(f.sessions), len(f.Calls))
}
