package supervisor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/logging"
	"github.com/squadhq/squad/internal/rules"
	"github.com/squadhq/squad/internal/signal"
	"github.com/squadhq/squad/internal/task"
	"github.com/squadhq/squad/internal/telemetry"
)

// tailLines is how much pane scrollback to keep when a terminal goes
// away.
const tailLines = 40

type cmdKind int

const (
	cmdSignal cmdKind = iota
	cmdLaunch
	cmdPause
	cmdResume
	cmdKill
	cmdTick
	cmdStop
)

type command struct {
	kind   cmdKind
	sig    *signal.Signal
	text   string
	prompt string
	reply  chan result
}

type result struct {
	sess Session
	err  error
}

// actor owns one session record. Only its goroutine touches sess.
type actor struct {
	sup  *Supervisor
	sess Session
	log  *logging.Logger

	cmds chan command
	gone chan struct{}
}

func (s *Supervisor) newActor(sess Session) *actor {
	log := s.log.WithSession(sess.Name).WithAgent(sess.Agent)
	if sess.Task != "" {
		log = log.WithTask(sess.Task)
	}
	a := &actor{
		sup:  s,
		sess: sess,
		log:  log,
		cmds: make(chan command, 64),
		gone: make(chan struct{}),
	}
	s.wg.Add(1)
	go a.run()
	return a
}

// stop asks the actor to exit and waits for it.
func (a *actor) stop() {
	select {
	case a.cmds <- command{kind: cmdStop}:
		<-a.gone
	case <-a.gone:
	}
}

func (a *actor) run() {
	defer a.sup.wg.Done()
	defer close(a.gone)
	for cmd := range a.cmds {
		switch cmd.kind {
		case cmdSignal:
			a.applySignal(cmd.sig)
		case cmdLaunch:
			err := a.launch(cmd.prompt)
			cmd.reply <- result{sess: a.sess, err: err}
		case cmdPause:
			err := a.pause()
			cmd.reply <- result{sess: a.sess, err: err}
		case cmdResume:
			err := a.resume(cmd.text)
			cmd.reply <- result{sess: a.sess, err: err}
		case cmdKill:
			err := a.kill()
			cmd.reply <- result{sess: a.sess, err: err}
		case cmdTick:
			if a.tick() {
				return
			}
		case cmdStop:
			return
		}
	}
}

// publish pushes the current record to the supervisor's read view and
// the snapshot file.
func (a *actor) publish() {
	a.sup.publishFor(a, a.sess)
}

// applySignal advances the state machine. Signals that don't fit the
// current state are absorbed: they refresh the heartbeat but change
// nothing, because a signal must never rewind state.
func (a *actor) applySignal(sig *signal.Signal) {
	a.sess.LastSignalAt = sig.ReceivedAt
	if sig.Task != "" && a.sess.Task == "" {
		a.sess.Task = sig.Task
	}
	if err := a.sup.agents.Touch(context.Background(), a.sess.Agent); err != nil {
		a.log.Debug("touching agent", zap.Error(err))
	}

	from := a.sess.State
	switch sig.Kind {
	case signal.KindStarting:
		// Absorbed: the session is already at least starting.
		if from == StatePending {
			a.sess.State = StateStarting
		}

	case signal.KindWorking:
		if from == StatePending || from == StateStarting || from == StateWorking {
			a.sess.State = StateWorking
			if from != StateWorking {
				a.reserveHints()
			}
		}

	case signal.KindReview:
		if from == StateStarting || from == StateWorking {
			a.sess.State = StateReview
		}

	case signal.KindCompleting:
		if from == StateStarting || from == StateWorking {
			a.sess.State = StateCompleting
		}

	case signal.KindComplete:
		// A well-behaved agent passes through completing first, but a
		// bare complete from working still completes.
		if from == StateWorking || from == StateReview || from == StateCompleting {
			now := a.sup.now().UTC()
			a.sess.State = StateComplete
			a.sess.CompletedAt = &now
			a.captureTail()
			a.publish()
			a.autoProceed(sig)
			return
		}

	case signal.KindPaused:
		if from == StateWorking {
			a.sess.State = StatePaused
			a.sess.Reason = "agent paused"
		}

	case signal.KindDead:
		if from != StateDead {
			a.markDead(deadReason(sig))
			return
		}
	}

	if a.sess.State != from {
		a.log.Info("session state changed",
			zap.String("from", string(from)), zap.String("to", string(a.sess.State)),
			zap.String("signal", string(sig.Kind)))
		a.captureTail()
	}
	a.publish()
}

func deadReason(sig *signal.Signal) string {
	var p signal.DeadPayload
	if err := sig.Decode(&p); err == nil && p.Reason != "" {
		return p.Reason
	}
	return "agent reported dead"
}

// reserveHints claims the task's file: label hints once the session is
// working. The scheduler steered agents apart during selection, so a
// conflict here is advisory and only logged; markDead and kill release
// whatever was acquired.
func (a *actor) reserveHints() {
	if a.sess.Task == "" {
		return
	}
	t, err := a.sup.tasks.Get(context.Background(), a.sess.Task)
	if err != nil {
		a.log.Debug("reading task for file hints", zap.Error(err))
		return
	}
	for _, path := range t.FileHints() {
		if _, err := a.sup.ledger.Acquire(path, a.sess.Agent, t.ID); err != nil {
			a.log.Warn("file hint held elsewhere",
				zap.String("path", path), zap.Error(err))
		}
	}
}

// autoProceed runs after a complete signal: it resolves the review
// decision and, when allowed, rolls this session straight onto the
// next ready task for the same agent.
func (a *actor) autoProceed(sig *signal.Signal) {
	ctx := context.Background()

	var p signal.CompletePayload
	if err := sig.Decode(&p); err != nil {
		a.log.Warn("complete payload unreadable, holding for review", zap.Error(err))
		return
	}

	mode := p.CompletionMode
	if mode == "" {
		// The agent didn't say; the scheduler decides from notes,
		// rules, and defaults.
		if a.sess.Task == "" {
			return
		}
		t, err := a.sup.tasks.Get(ctx, a.sess.Task)
		if err != nil {
			a.log.Warn("reading completed task for review decision", zap.Error(err))
			return
		}
		d := a.sup.sched.Decide(ctx, t)
		a.log.Info("review decision", zap.String("action", string(d.Action)), zap.String("source", d.Source))
		if d.Action != rules.ActionAuto {
			return
		}
	} else if mode != signal.ModeAutoProceed {
		return
	}

	next, err := a.nextTask(ctx, p.NextTaskID)
	if err != nil {
		if fault.IsNotFound(err) {
			a.log.Info("auto-proceed found no ready task, session stays complete")
		} else {
			a.log.Warn("auto-proceed task selection failed", zap.Error(err))
		}
		return
	}

	a.log.Info("auto-proceeding to next task", zap.String("task", next.ID))
	if err := a.relaunch(next); err != nil {
		a.log.Error("auto-proceed spawn failed", zap.Error(err))
	}
}

// nextTask claims the agent's next task: the agent's explicit
// suggestion when it is still claimable, otherwise the scheduler's
// pick.
func (a *actor) nextTask(ctx context.Context, suggested string) (*task.Task, error) {
	if suggested != "" && suggested != a.sess.Task {
		if err := a.sup.tasks.Claim(ctx, suggested, a.sess.Agent); err == nil {
			return a.sup.tasks.Get(ctx, suggested)
		} else if !fault.IsConflict(err) && !fault.IsNotFound(err) {
			return nil, err
		}
		a.log.Debug("suggested next task not claimable, asking scheduler",
			zap.String("suggested", suggested))
	}
	return a.sup.sched.ClaimNext(ctx, a.sess.Agent)
}

// launch brings up the terminal for the current record. On driver
// failure the session dies and held resources are returned.
func (a *actor) launch(prompt string) error {
	if err := a.sup.launch(&a.sess, prompt); err != nil {
		a.failSpawn(err)
		return err
	}
	a.sess.State = StateStarting
	a.publish()
	return nil
}

// relaunch resets this actor's record onto a new task and recreates
// the terminal under the same session name.
func (a *actor) relaunch(next *task.Task) error {
	now := a.sup.now().UTC()
	a.sess = Session{
		Name:         a.sess.Name,
		Agent:        a.sess.Agent,
		Task:         next.ID,
		Mode:         ModeWork,
		State:        StatePending,
		CreatedAt:    now,
		LastSignalAt: now,
	}
	a.publish()
	return a.launch(workPrompt(a.sess.Agent, next))
}

// failSpawn handles a driver failure mid-spawn: the session dies, the
// agent's reservations are released, and the task goes back to open.
func (a *actor) failSpawn(cause error) {
	a.sup.releaseReservations(a.sess.Agent)
	if a.sess.Task != "" {
		if err := a.sup.tasks.Unclaim(context.Background(), a.sess.Task); err != nil && !fault.IsConflict(err) {
			a.log.Warn("returning task after failed spawn", zap.Error(err))
		}
	}
	a.sess.State = StateDead
	a.sess.Reason = fmt.Sprintf("spawn failed: %v", cause)
	a.publish()
	a.sup.emit(signal.KindDead, a.sess.Name, a.sess.Task,
		signal.DeadPayload{Session: a.sess.Name, Reason: a.sess.Reason})
}

// pause tears the terminal down but keeps the session resumable. The
// task stays in_progress with its assignee.
func (a *actor) pause() error {
	if a.sess.State != StateWorking {
		return fault.Errorf(fault.Invariant, "session %s is %s, only working sessions pause", a.sess.Name, a.sess.State)
	}
	a.captureTail()
	if err := a.sup.driver.KillSession(a.sess.Name); err != nil {
		a.log.Warn("killing terminal for pause", zap.Error(err))
	}
	a.sess.State = StatePaused
	a.sess.Reason = "paused"
	a.publish()
	a.sup.emit(signal.KindPaused, a.sess.Name, a.sess.Task,
		signal.PausedPayload{Session: a.sess.Name, Task: a.sess.Task})
	return nil
}

// resume recreates the terminal under the same name, injects text as
// keystrokes, and lets subscribers observe the transition back to
// working.
func (a *actor) resume(text string) error {
	if a.sess.State != StatePaused {
		return fault.Errorf(fault.Invariant, "session %s is %s, only paused sessions resume", a.sess.Name, a.sess.State)
	}

	ctx := context.Background()
	var t *task.Task
	if a.sess.Task != "" {
		var err error
		t, err = a.sup.tasks.Get(ctx, a.sess.Task)
		if err != nil {
			return err
		}
		if t.Status == task.StatusClosed {
			return fault.Errorf(fault.Invariant, "task %s is closed, nothing to resume", t.ID)
		}
	}

	if err := a.sup.launch(&a.sess, resumePrompt(a.sess.Agent, t)); err != nil {
		return err
	}
	if text != "" {
		if err := a.sup.driver.Nudge(a.sess.Name, text); err != nil {
			a.log.Warn("injecting resume text", zap.Error(err))
		}
	}

	now := a.sup.now().UTC()
	a.sess.State = StateWorking
	a.sess.Reason = ""
	a.sess.LastSignalAt = now
	a.publish()

	a.sup.emit(signal.KindWorking, a.sess.Name, a.sess.Task, signal.WorkingPayload{
		Session:  a.sess.Name,
		Task:     a.sess.Task,
		Approach: "resumed from pause",
	})
	telemetry.RecordResume(ctx, a.sess.Agent, nil)

	if err := a.sup.agents.Touch(ctx, a.sess.Agent); err != nil {
		a.log.Debug("touching agent", zap.Error(err))
	}
	return nil
}

// kill is terminal and idempotent.
func (a *actor) kill() error {
	if a.sess.State == StateDead {
		return nil
	}
	a.captureTail()
	if err := a.sup.driver.KillSession(a.sess.Name); err != nil {
		a.log.Warn("killing terminal", zap.Error(err))
	}
	a.markDead("killed")
	telemetry.RecordKill(context.Background(), a.sess.Agent)
	return nil
}

// markDead finalizes the record and releases everything the agent
// held.
func (a *actor) markDead(reason string) {
	a.sess.State = StateDead
	a.sess.Reason = reason
	a.publish()
	a.sup.releaseReservations(a.sess.Agent)
	a.sup.emit(signal.KindDead, a.sess.Name, a.sess.Task,
		signal.DeadPayload{Session: a.sess.Name, Reason: reason})
}

// tick runs heartbeat and reaping. It returns true when the actor
// reaped itself.
func (a *actor) tick() bool {
	now := a.sup.now().UTC()

	switch {
	case a.sess.State == StateStarting || a.sess.State == StateWorking || a.sess.State == StateReview:
		// Keep the surfaced tail current while the pane is alive.
		prev := a.sess.OutputTail
		a.captureTail()
		if a.sess.OutputTail != prev {
			a.publish()
		}
		if now.Sub(a.sess.LastSignalAt) < a.sup.staleTimeout {
			return false
		}
		alive, err := a.sup.driver.HasSession(a.sess.Name)
		if err != nil {
			a.log.Warn("stale check", zap.Error(err))
			return false
		}
		if !alive {
			a.log.Warn("session went stale with no terminal",
				zap.Duration("silent_for", now.Sub(a.sess.LastSignalAt)))
			a.markDead("stale: no signal and no terminal")
			telemetry.RecordStaleMark(context.Background(), a.sess.Agent)
			return false
		}
		running, perr := a.sup.driver.ProgramRunning(a.sess.Name, a.sup.conf.Agent.Program)
		if perr != nil || running {
			// Quiet but present. Leave it alone.
			return false
		}
		// Zombie: the terminal outlived the agent program and is sitting
		// at a shell. Keep its last output, then put it down.
		a.log.Warn("session went stale with the agent program gone",
			zap.Duration("silent_for", now.Sub(a.sess.LastSignalAt)),
			zap.String("program", a.sup.conf.Agent.Program))
		a.captureTail()
		if kerr := a.sup.driver.KillSession(a.sess.Name); kerr != nil {
			a.log.Warn("killing zombie terminal", zap.Error(kerr))
		}
		a.markDead("stale: agent program exited")
		telemetry.RecordStaleMark(context.Background(), a.sess.Agent)
		return false

	case a.sess.State == StateComplete:
		if a.sess.CompletedAt == nil || now.Sub(*a.sess.CompletedAt) < a.sup.grace {
			return false
		}
		a.log.Info("reaping completed session after grace period")
		if err := a.sup.driver.KillSession(a.sess.Name); err != nil {
			a.log.Warn("killing terminal for reap", zap.Error(err))
		}
		a.sup.removeFor(a, a.sess.Name)
		return true

	case a.sess.State == StateDead:
		ref := a.sess.LastSignalAt
		if ref.IsZero() {
			ref = a.sess.CreatedAt
		}
		if now.Sub(ref) < a.sup.grace {
			return false
		}
		a.sup.removeFor(a, a.sess.Name)
		return true
	}
	return false
}

// captureTail snapshots the pane before the terminal goes away.
func (a *actor) captureTail() {
	tail, err := a.sup.driver.CaptureTail(a.sess.Name, tailLines)
	if err != nil {
		return
	}
	a.sess.OutputTail = tail
}
