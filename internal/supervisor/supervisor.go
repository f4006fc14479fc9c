package supervisor

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/squadhq/squad/internal/agent"
	"github.com/squadhq/squad/internal/config"
	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/logging"
	"github.com/squadhq/squad/internal/reserve"
	"github.com/squadhq/squad/internal/sched"
	"github.com/squadhq/squad/internal/signal"
	"github.com/squadhq/squad/internal/task"
	"github.com/squadhq/squad/internal/term"
)

// Config wires a Supervisor to its collaborators.
type Config struct {
	Driver term.Driver
	Tasks  *task.Store
	Agents *agent.Registry
	Ledger *reserve.Ledger
	Sched  *sched.Scheduler
	Bus    *signal.Bus
	Conf   *config.Config
	Log    *logging.Logger

	// StateDir holds the session snapshot file.
	StateDir string

	// WorkDir is the directory new terminals start in, normally the
	// project root.
	WorkDir string
}

// Supervisor tracks every agent session and owns their lifecycles.
type Supervisor struct {
	driver term.Driver
	tasks  *task.Store
	agents *agent.Registry
	ledger *reserve.Ledger
	sched  *sched.Scheduler
	bus    *signal.Bus
	conf   *config.Config
	log    *logging.Logger

	stateDir string
	workDir  string

	staleTimeout time.Duration
	grace        time.Duration
	prefix       string

	// now is swappable in tests.
	now func() time.Time

	// heartbeatEvery is shortened in tests.
	heartbeatEvery time.Duration

	mu     sync.RWMutex
	actors map[string]*actor
	// records holds the latest published copy of every session, the
	// source for Get/List and the snapshot file.
	records map[string]Session

	busCancel func()
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a Supervisor. Call Start to recover state and begin
// routing signals.
func New(cfg Config) *Supervisor {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	return &Supervisor{
		driver:         cfg.Driver,
		tasks:          cfg.Tasks,
		agents:         cfg.Agents,
		ledger:         cfg.Ledger,
		sched:          cfg.Sched,
		bus:            cfg.Bus,
		conf:           cfg.Conf,
		log:            log,
		stateDir:       cfg.StateDir,
		workDir:        cfg.WorkDir,
		staleTimeout:   cfg.Conf.StaleTimeout(),
		grace:          cfg.Conf.CompleteGrace(),
		prefix:         cfg.Conf.Session.Prefix,
		now:            time.Now,
		heartbeatEvery: 30 * time.Second,
		actors:         make(map[string]*actor),
		records:        make(map[string]Session),
		done:           make(chan struct{}),
	}
}

// Start recovers sessions from the snapshot and live terminals, then
// starts the signal router and the heartbeat.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}

	events, cancel := s.bus.Subscribe(signal.SubscribeOptions{})
	s.busCancel = cancel

	s.wg.Add(2)
	go s.route(events)
	go s.heartbeat()
	return nil
}

// Close stops routing, stops every actor, and writes a final snapshot.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		cancel := s.busCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		s.mu.Lock()
		actors := make([]*actor, 0, len(s.actors))
		for _, a := range s.actors {
			actors = append(actors, a)
		}
		s.actors = make(map[string]*actor)
		s.mu.Unlock()

		for _, a := range actors {
			a.stop()
		}
		s.wg.Wait()
		s.saveSnapshot()
	})
}

// Get returns a copy of one session record.
func (s *Supervisor) Get(name string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	if !ok {
		return nil, fault.Errorf(fault.NotFound, "no session %s", name)
	}
	out := rec
	return &out, nil
}

// List returns copies of all session records, newest first.
func (s *Supervisor) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.records))
	for _, rec := range s.records {
		cp := rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ActiveCount returns how many sessions should have live terminals.
func (s *Supervisor) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if rec.State.Active() {
			n++
		}
	}
	return n
}

// Pause marks a working session paused and tears its terminal down.
// The task keeps its assignee so a resume continues where it left off.
func (s *Supervisor) Pause(ctx context.Context, name string) (*Session, error) {
	return s.request(ctx, name, command{kind: cmdPause})
}

// Resume recreates the terminal of a paused session and injects text,
// typically a user reply, as keystrokes. Subscribers observe a working
// signal.
func (s *Supervisor) Resume(ctx context.Context, name, text string) (*Session, error) {
	return s.request(ctx, name, command{kind: cmdResume, text: text})
}

// Kill force-terminates a session and releases the agent's
// reservations. Killing a dead session is a no-op.
func (s *Supervisor) Kill(ctx context.Context, name string) (*Session, error) {
	return s.request(ctx, name, command{kind: cmdKill})
}

// AttachCommand returns what a human runs to watch the session, after
// verifying there is something to attach to. Drivers that know their
// binary supply the full command line; others fall back to the name.
func (s *Supervisor) AttachCommand(name string) (string, error) {
	rec, err := s.Get(name)
	if err != nil {
		return "", err
	}
	if !rec.State.Active() {
		return "", fault.Errorf(fault.Invariant, "session %s is %s, nothing to attach to", name, rec.State)
	}
	if h, ok := s.driver.(interface{ AttachHint(string) string }); ok {
		return h.AttachHint(rec.Name), nil
	}
	return rec.Name, nil
}

// request sends one command to a session's actor and waits for its
// reply.
func (s *Supervisor) request(ctx context.Context, name string, cmd command) (*Session, error) {
	s.mu.RLock()
	a, ok := s.actors[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fault.Errorf(fault.NotFound, "no session %s", name)
	}

	cmd.reply = make(chan result, 1)
	select {
	case a.cmds <- cmd:
	case <-a.gone:
		return nil, fault.Errorf(fault.NotFound, "session %s ended", name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-cmd.reply:
		if r.err != nil {
			return nil, r.err
		}
		out := r.sess
		return &out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// route delivers bus signals to their session's actor.
func (s *Supervisor) route(events <-chan signal.Event) {
	defer s.wg.Done()
	var lastSeen uint64
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Lagged || ev.Signal == nil {
				s.log.Warn("supervisor lagged on the signal bus, catching up")
				events, lastSeen = s.catchUp(lastSeen)
				continue
			}
			lastSeen = ev.Signal.Seq
			s.deliver(ev.Signal)
		}
	}
}

// catchUp walks retained history past the last routed signal, then
// resubscribes from the end of the walk. Replay through a subscription
// is trimmed to the buffer; the direct walk is not, so a long stall
// loses nothing the bus still retains.
func (s *Supervisor) catchUp(lastSeen uint64) (<-chan signal.Event, uint64) {
	for _, sig := range s.bus.History(lastSeen) {
		lastSeen = sig.Seq
		s.deliver(sig)
	}
	events, cancel := s.bus.Subscribe(signal.SubscribeOptions{SinceSeq: lastSeen})
	s.mu.Lock()
	s.busCancel = cancel
	s.mu.Unlock()
	return events, lastSeen
}

func (s *Supervisor) deliver(sig *signal.Signal) {
	s.mu.RLock()
	a, ok := s.actors[sig.Session]
	s.mu.RUnlock()
	if !ok {
		s.log.Debug("signal for unknown session dropped",
			zap.String("session", sig.Session), zap.String("kind", string(sig.Kind)))
		return
	}
	select {
	case a.cmds <- command{kind: cmdSignal, sig: sig}:
	case <-a.gone:
	case <-s.done:
	}
}

// heartbeat periodically asks every actor to check staleness and the
// reap grace period.
func (s *Supervisor) heartbeat() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			actors := make([]*actor, 0, len(s.actors))
			for _, a := range s.actors {
				actors = append(actors, a)
			}
			s.mu.RUnlock()
			for _, a := range actors {
				// Skip an actor mid-operation rather than queue up
				// redundant checks.
				select {
				case a.cmds <- command{kind: cmdTick}:
				default:
				}
			}
		}
	}
}

// publishFor records the actor's latest session copy and persists the
// snapshot. A replaced actor, one no longer registered under its name,
// writes nothing: the name belongs to its successor.
func (s *Supervisor) publishFor(a *actor, sess Session) {
	s.mu.Lock()
	if s.actors[sess.Name] != a {
		s.mu.Unlock()
		return
	}
	s.records[sess.Name] = sess
	s.mu.Unlock()
	s.saveSnapshot()
}

// removeFor drops a reaped session entirely, unless the name was
// already handed to a successor actor.
func (s *Supervisor) removeFor(a *actor, name string) {
	s.mu.Lock()
	if s.actors[name] != a {
		s.mu.Unlock()
		return
	}
	delete(s.actors, name)
	delete(s.records, name)
	s.mu.Unlock()
	s.bus.Forget(name)
	s.saveSnapshot()
}

// emit publishes a supervisor-synthesized signal so subscribers observe
// transitions the agent itself can no longer report.
func (s *Supervisor) emit(kind signal.Kind, session, taskID string, payload interface{}) {
	sig, err := signal.Synthesize(kind, session, taskID, payload)
	if err != nil {
		s.log.Warn("building synthetic signal", zap.Error(err))
		return
	}
	s.bus.Publish(sig)
}

// releaseReservations frees everything an agent holds. Used on kill
// and on death.
func (s *Supervisor) releaseReservations(agent string) {
	n, err := s.ledger.Release(agent)
	if err != nil {
		s.log.Warn("releasing reservations", zap.String("agent", agent), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("released reservations", zap.String("agent", agent), zap.Int("count", n))
	}
}

// driverFault converts terminal driver errors into faults for callers.
func driverFault(err error, action string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, term.ErrNoServer) {
		return fault.Wrap(fault.Unavailable, err, "terminal multiplexer unavailable")
	}
	if errors.Is(err, term.ErrSessionNotFound) {
		return fault.Wrap(fault.NotFound, err, action)
	}
	return fault.Wrap(fault.Unavailable, err, action)
}

// hasPrefix reports whether a terminal session belongs to this
// supervisor's namespace.
func (s *Supervisor) hasPrefix(name string) bool {
	return s.prefix != "" && strings.HasPrefix(name, s.prefix) && name != s.prefix
}
