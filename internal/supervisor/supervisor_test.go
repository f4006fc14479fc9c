package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/squadhq/squad/internal/agent"
	"github.com/squadhq/squad/internal/config"
	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/logging"
	"github.com/squadhq/squad/internal/reserve"
	"github.com/squadhq/squad/internal/rules"
	"github.com/squadhq/squad/internal/sched"
	"github.com/squadhq/squad/internal/signal"
	"github.com/squadhq/squad/internal/task"
	"github.com/squadhq/squad/internal/term"
)

// harness bundles a supervisor with everything it talks to. The clock
// offset shifts the supervisor's view of now without sleeping.
type harness struct {
	sup    *Supervisor
	fake   *term.Fake
	tasks  *task.Store
	agents *agent.Registry
	ledger *reserve.Ledger
	bus    *signal.Bus
	offset atomic.Int64
}

func (h *harness) advance(d time.Duration) {
	h.offset.Store(int64(d))
}

func newHarness(t *testing.T, f *rules.File) *harness {
	t.Helper()
	dir := t.TempDir()
	stateDir := filepath.Join(dir, ".squad")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatal(err)
	}

	store, err := task.Open(filepath.Join(stateDir, task.DBFileName), "squad")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := agent.Open(filepath.Join(stateDir, agent.DBFileName))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	ledger, err := reserve.Open(filepath.Join(stateDir, reserve.FileName))
	if err != nil {
		t.Fatal(err)
	}

	log, err := logging.New(logging.Config{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}

	bus := signal.NewBus(signal.Options{})
	t.Cleanup(bus.Close)

	h := &harness{fake: term.NewFake(), tasks: store, agents: reg, ledger: ledger, bus: bus}

	sc := sched.New(sched.Config{Tasks: store, Ledger: ledger, Rules: rules.Static{File: f}, Log: log})
	h.sup = New(Config{
		Driver:   h.fake,
		Tasks:    store,
		Agents:   reg,
		Ledger:   ledger,
		Sched:    sc,
		Bus:      bus,
		Conf:     config.Default(),
		Log:      log,
		StateDir: stateDir,
		WorkDir:  dir,
	})
	h.sup.heartbeatEvery = 20 * time.Millisecond
	h.sup.now = func() time.Time {
		return time.Now().Add(time.Duration(h.offset.Load()))
	}
	return h
}

func startHarness(t *testing.T, f *rules.File) *harness {
	t.Helper()
	h := newHarness(t, f)
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.sup.Close)
	return h
}

func (h *harness) mustTask(t *testing.T, spec task.CreateSpec) *task.Task {
	t.Helper()
	created, err := h.tasks.Create(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	return created
}

func (h *harness) send(session string, kind signal.Kind, taskID, payload string) {
	sig := &signal.Signal{Session: session, Kind: kind, Task: taskID}
	if payload != "" {
		sig.Payload = json.RawMessage(payload)
	}
	h.bus.Publish(sig)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func (h *harness) stateIs(name string, want State) func() bool {
	return func() bool {
		rec, err := h.sup.Get(name)
		return err == nil && rec.State == want
	}
}

func latestOf(b *signal.Bus, session string, kind signal.Kind) *signal.Signal {
	for _, s := range b.Latest(session) {
		if s.Kind == kind {
			return s
		}
	}
	return nil
}

func TestSpawnWithExplicitTask(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	created := h.mustTask(t, task.CreateSpec{Title: "wire the parser", Priority: 1})

	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: created.ID, Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Name != "squad-AlphaGlade" {
		t.Errorf("session name = %q", sess.Name)
	}
	if sess.State != StateStarting {
		t.Errorf("state = %s, want starting", sess.State)
	}
	if sess.Task != created.ID {
		t.Errorf("task = %q, want %q", sess.Task, created.ID)
	}

	// The terminal exists, carries the agent env, and got the task in
	// its startup prompt.
	if ok, _ := h.fake.HasSession(sess.Name); !ok {
		t.Fatal("no terminal created")
	}
	if got := h.fake.Env(sess.Name, "SQUAD_AGENT"); got != "AlphaGlade" {
		t.Errorf("SQUAD_AGENT = %q", got)
	}
	if got := h.fake.Env(sess.Name, "SQUAD_TASK"); got != created.ID {
		t.Errorf("SQUAD_TASK = %q", got)
	}
	if cmd := h.fake.Command(sess.Name); !strings.Contains(cmd, created.ID) {
		t.Errorf("startup command missing task id: %q", cmd)
	}

	// The task was claimed.
	claimed, err := h.tasks.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if claimed.Status != task.StatusInProgress || claimed.Assignee != "AlphaGlade" {
		t.Errorf("task = %s/%s, want in_progress/AlphaGlade", claimed.Status, claimed.Assignee)
	}

	// The agent exists in the registry.
	if _, err := h.agents.Get(ctx, "AlphaGlade"); err != nil {
		t.Errorf("agent not registered: %v", err)
	}
}

func TestSpawnInventsAgentAndPicksTask(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	created := h.mustTask(t, task.CreateSpec{Title: "anything ready", Priority: 2})

	sess, err := h.sup.Spawn(ctx, SpawnRequest{Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}
	if !agent.ValidName(sess.Agent) {
		t.Errorf("invented agent name %q not valid", sess.Agent)
	}
	if sess.Task != created.ID {
		t.Errorf("task = %q, want scheduler pick %q", sess.Task, created.ID)
	}
}

func TestSpawnNothingReady(t *testing.T) {
	h := startHarness(t, nil)

	_, err := h.sup.Spawn(context.Background(), SpawnRequest{Agent: "AlphaGlade", Mode: ModeWork})
	if !fault.IsNotFound(err) {
		t.Errorf("err = %v, want NotFound with an empty queue", err)
	}
}

func TestSpawnConflictsWithLiveSession(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	h.mustTask(t, task.CreateSpec{Title: "one", Priority: 1})
	h.mustTask(t, task.CreateSpec{Title: "two", Priority: 2})

	if _, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Mode: ModeWork}); err != nil {
		t.Fatal(err)
	}
	_, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Mode: ModeWork})
	if !fault.IsConflict(err) {
		t.Errorf("err = %v, want Conflict for a live session", err)
	}
}

func TestSpawnChatNeedsNoTask(t *testing.T) {
	h := startHarness(t, nil)

	sess, err := h.sup.Spawn(context.Background(), SpawnRequest{Agent: "AlphaGlade", Mode: ModeChat, Prompt: "say hi"})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Task != "" {
		t.Errorf("chat session got task %q", sess.Task)
	}
	if sess.State != StateStarting {
		t.Errorf("state = %s", sess.State)
	}
}

func TestSpawnDriverFailure(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	created := h.mustTask(t, task.CreateSpec{Title: "doomed", Priority: 1})
	if _, err := h.ledger.Acquire("src/a.go", "AlphaGlade", created.ID); err != nil {
		t.Fatal(err)
	}

	h.fake.Down = true
	_, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: created.ID, Mode: ModeWork})
	if !fault.IsUnavailable(err) {
		t.Fatalf("err = %v, want Unavailable when the multiplexer is down", err)
	}

	// The session record survives as dead, the task went back to open,
	// and the agent's reservations were released.
	rec, err := h.sup.Get("squad-AlphaGlade")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != StateDead {
		t.Errorf("state = %s, want dead", rec.State)
	}

	back, err := h.tasks.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if back.Status != task.StatusOpen || back.Assignee != "" {
		t.Errorf("task = %s/%q, want open/unassigned", back.Status, back.Assignee)
	}

	if _, held := h.ledger.Holder("src/a.go"); held {
		t.Error("reservation survived the failed spawn")
	}
}

func TestSignalsAdvanceLifecycle(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	created := h.mustTask(t, task.CreateSpec{Title: "lifecycle", Priority: 1})
	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: created.ID, Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}

	h.send(sess.Name, signal.KindWorking, created.ID, `{"session":"squad-AlphaGlade","task":"`+created.ID+`"}`)
	eventually(t, h.stateIs(sess.Name, StateWorking), "working signal did not advance state")

	h.send(sess.Name, signal.KindReview, created.ID, `{"session":"squad-AlphaGlade","summary":["done"]}`)
	eventually(t, h.stateIs(sess.Name, StateReview), "review signal did not advance state")

	h.send(sess.Name, signal.KindComplete, created.ID,
		`{"session":"squad-AlphaGlade","taskId":"`+created.ID+`","completionMode":"review_required"}`)
	eventually(t, h.stateIs(sess.Name, StateComplete), "complete signal did not advance state")

	rec, err := h.sup.Get(sess.Name)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CompletedAt == nil {
		t.Error("complete session missing CompletedAt")
	}

	// review_required: no new terminal beyond the original spawn.
	if rec.Task != created.ID {
		t.Errorf("session rolled onto %q, want to stay on %q", rec.Task, created.ID)
	}
}

func TestStrayStateSignalsAbsorbed(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	created := h.mustTask(t, task.CreateSpec{Title: "strays", Priority: 1})
	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: created.ID, Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}

	// A paused signal in starting state fits nothing in the machine:
	// absorbed, not applied.
	h.send(sess.Name, signal.KindPaused, created.ID, `{"session":"squad-AlphaGlade"}`)
	h.send(sess.Name, signal.KindWorking, created.ID, `{"session":"squad-AlphaGlade","n":1}`)
	eventually(t, h.stateIs(sess.Name, StateWorking), "working never arrived")

	rec, _ := h.sup.Get(sess.Name)
	if rec.State != StateWorking {
		t.Errorf("state = %s, want working (stray paused absorbed)", rec.State)
	}
}

func TestAutoProceedChain(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	first := h.mustTask(t, task.CreateSpec{Title: "first chore", IssueType: task.TypeChore, Priority: 3})
	second := h.mustTask(t, task.CreateSpec{Title: "second chore", IssueType: task.TypeChore, Priority: 3})

	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: first.ID, Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}

	h.send(sess.Name, signal.KindWorking, first.ID, `{"session":"squad-AlphaGlade"}`)
	eventually(t, h.stateIs(sess.Name, StateWorking), "working never arrived")

	h.send(sess.Name, signal.KindComplete, first.ID,
		`{"session":"squad-AlphaGlade","taskId":"`+first.ID+`","completionMode":"auto_proceed"}`)

	// The session rolls onto the next ready task under the same name.
	eventually(t, func() bool {
		rec, err := h.sup.Get(sess.Name)
		return err == nil && rec.Task == second.ID && rec.State == StateStarting
	}, "auto-proceed never rolled onto the next task")

	next, err := h.tasks.Get(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next.Status != task.StatusInProgress || next.Assignee != "AlphaGlade" {
		t.Errorf("next task = %s/%s, want in_progress/AlphaGlade", next.Status, next.Assignee)
	}
	if cmd := h.fake.Command(sess.Name); !strings.Contains(cmd, second.ID) {
		t.Errorf("new terminal prompt missing next task: %q", cmd)
	}
}

func TestAutoProceedConsultsRulesWhenAgentSilent(t *testing.T) {
	f := &rules.File{
		Version:       rules.Version,
		DefaultAction: rules.ActionReview,
		Rules:         []rules.Rule{{Type: task.TypeBug, MaxAutoPriority: 1}},
	}
	h := startHarness(t, f)
	ctx := context.Background()

	// Priority 2 bug is over the threshold: completion holds for review
	// even though another task is ready.
	bug := h.mustTask(t, task.CreateSpec{Title: "crash", IssueType: task.TypeBug, Priority: 2})
	h.mustTask(t, task.CreateSpec{Title: "other", IssueType: task.TypeBug, Priority: 2})

	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: bug.ID, Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}
	h.send(sess.Name, signal.KindWorking, bug.ID, `{"session":"squad-AlphaGlade"}`)
	eventually(t, h.stateIs(sess.Name, StateWorking), "working never arrived")

	h.send(sess.Name, signal.KindComplete, bug.ID,
		`{"session":"squad-AlphaGlade","taskId":"`+bug.ID+`"}`)
	eventually(t, h.stateIs(sess.Name, StateComplete), "complete never arrived")

	rec, _ := h.sup.Get(sess.Name)
	if rec.Task != bug.ID {
		t.Errorf("session rolled onto %q, want review hold on %q", rec.Task, bug.ID)
	}
}

func TestPauseAndResume(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	created := h.mustTask(t, task.CreateSpec{Title: "long haul", Priority: 1})
	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: created.ID, Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}
	h.send(sess.Name, signal.KindWorking, created.ID, `{"session":"squad-AlphaGlade"}`)
	eventually(t, h.stateIs(sess.Name, StateWorking), "working never arrived")

	events, unsub := h.bus.Subscribe(signal.SubscribeOptions{})
	defer unsub()

	paused, err := h.sup.Pause(ctx, sess.Name)
	if err != nil {
		t.Fatal(err)
	}
	if paused.State != StatePaused {
		t.Errorf("state = %s, want paused", paused.State)
	}
	if ok, _ := h.fake.HasSession(sess.Name); ok {
		t.Error("terminal survived pause")
	}

	// The task keeps its assignee while paused.
	held, err := h.tasks.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if held.Status != task.StatusInProgress || held.Assignee != "AlphaGlade" {
		t.Errorf("task = %s/%s during pause", held.Status, held.Assignee)
	}

	resumed, err := h.sup.Resume(ctx, sess.Name, "The user replied: ship it")
	if err != nil {
		t.Fatal(err)
	}
	if resumed.State != StateWorking {
		t.Errorf("state = %s, want working after resume", resumed.State)
	}
	if ok, _ := h.fake.HasSession(sess.Name); !ok {
		t.Fatal("no terminal after resume")
	}

	var sawReply bool
	for _, in := range h.fake.Input(sess.Name) {
		if strings.Contains(in, "ship it") {
			sawReply = true
		}
	}
	if !sawReply {
		t.Error("resume text never injected")
	}

	// Subscribers observe the resume as a working signal.
	sawWorking := false
	deadline := time.After(2 * time.Second)
	for !sawWorking {
		select {
		case ev := <-events:
			if ev.Signal != nil && ev.Signal.Session == sess.Name && ev.Signal.Kind == signal.KindWorking {
				sawWorking = true
			}
		case <-deadline:
			t.Fatal("no working signal observed on resume")
		}
	}
}

func TestPauseOnlyFromWorking(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	h.mustTask(t, task.CreateSpec{Title: "fresh", Priority: 1})
	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}

	// Still starting.
	if _, err := h.sup.Pause(ctx, sess.Name); !fault.IsInvariant(err) {
		t.Errorf("err = %v, want Invariant pausing a starting session", err)
	}
}

func TestResumeRejectedWhenTaskClosed(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	created := h.mustTask(t, task.CreateSpec{Title: "abandoned", Priority: 1})
	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: created.ID, Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}
	h.send(sess.Name, signal.KindWorking, created.ID, `{"session":"squad-AlphaGlade"}`)
	eventually(t, h.stateIs(sess.Name, StateWorking), "working never arrived")

	if _, err := h.sup.Pause(ctx, sess.Name); err != nil {
		t.Fatal(err)
	}
	if _, err := h.tasks.CloseTask(ctx, created.ID, "overtaken by events", false); err != nil {
		t.Fatal(err)
	}

	if _, err := h.sup.Resume(ctx, sess.Name, "hello?"); !fault.IsInvariant(err) {
		t.Errorf("err = %v, want Invariant resuming a closed task", err)
	}
}

func TestWorkingSessionReservesFileHints(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	created := h.mustTask(t, task.CreateSpec{
		Title:  "touch the parser",
		Labels: []string{task.FileLabelPrefix + "src/parser.go", "backend"},
	})
	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: created.ID, Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}
	if _, held := h.ledger.Holder("src/parser.go"); held {
		t.Fatal("hint reserved before the session started working")
	}

	h.send(sess.Name, signal.KindWorking, created.ID, `{"session":"squad-AlphaGlade","task":"`+created.ID+`"}`)
	eventually(t, h.stateIs(sess.Name, StateWorking), "working signal did not advance state")
	eventually(t, func() bool {
		holder, held := h.ledger.Holder("src/parser.go")
		return held && holder == "AlphaGlade"
	}, "file hint was not reserved on working")

	// Plain labels are not paths.
	if _, held := h.ledger.Holder("backend"); held {
		t.Error("non-hint label was reserved")
	}

	if _, err := h.sup.Kill(ctx, sess.Name); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		_, held := h.ledger.Holder("src/parser.go")
		return !held
	}, "hint reservation survived kill")
}

func TestKillReleasesEverything(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	created := h.mustTask(t, task.CreateSpec{Title: "doomed", Priority: 1})
	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: created.ID, Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.ledger.Acquire("src/a.go", "AlphaGlade", created.ID); err != nil {
		t.Fatal(err)
	}

	killed, err := h.sup.Kill(ctx, sess.Name)
	if err != nil {
		t.Fatal(err)
	}
	if killed.State != StateDead {
		t.Errorf("state = %s, want dead", killed.State)
	}
	if ok, _ := h.fake.HasSession(sess.Name); ok {
		t.Error("terminal survived kill")
	}
	if _, held := h.ledger.Holder("src/a.go"); held {
		t.Error("reservation survived kill")
	}

	// Idempotent.
	if _, err := h.sup.Kill(ctx, sess.Name); err != nil {
		t.Errorf("second kill: %v", err)
	}

	// The dead session is observable on the bus.
	if got := latestOf(h.bus, sess.Name, signal.KindDead); got == nil {
		t.Error("no dead signal retained")
	}
}

func TestKillUnknownSession(t *testing.T) {
	h := startHarness(t, nil)
	if _, err := h.sup.Kill(context.Background(), "squad-Nobody"); !fault.IsNotFound(err) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestStaleSessionMarkedDead(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	created := h.mustTask(t, task.CreateSpec{Title: "goes quiet", Priority: 1})
	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: created.ID, Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}
	h.send(sess.Name, signal.KindWorking, created.ID, `{"session":"squad-AlphaGlade"}`)
	eventually(t, h.stateIs(sess.Name, StateWorking), "working never arrived")

	// The terminal crashes and the agent falls silent.
	if err := h.fake.KillSession(sess.Name); err != nil {
		t.Fatal(err)
	}
	h.advance(15 * time.Minute)

	eventually(t, h.stateIs(sess.Name, StateDead), "stale session never marked dead")
	rec, _ := h.sup.Get(sess.Name)
	if !strings.Contains(rec.Reason, "stale") {
		t.Errorf("reason = %q, want stale", rec.Reason)
	}
}

func TestQuietButAliveSessionSurvivesHeartbeat(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	created := h.mustTask(t, task.CreateSpec{Title: "slow burner", Priority: 1})
	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: created.ID, Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}
	h.send(sess.Name, signal.KindWorking, created.ID, `{"session":"squad-AlphaGlade"}`)
	eventually(t, h.stateIs(sess.Name, StateWorking), "working never arrived")

	// Silent past the timeout, but the terminal is alive.
	h.advance(15 * time.Minute)
	time.Sleep(100 * time.Millisecond)

	rec, err := h.sup.Get(sess.Name)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != StateWorking {
		t.Errorf("state = %s, want working while the terminal lives", rec.State)
	}
}

func TestZombieSessionMarkedDead(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	created := h.mustTask(t, task.CreateSpec{Title: "program crashes", Priority: 1})
	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: created.ID, Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}
	h.send(sess.Name, signal.KindWorking, created.ID, `{"session":"squad-AlphaGlade"}`)
	eventually(t, h.stateIs(sess.Name, StateWorking), "working never arrived")

	// The agent program exits but its terminal lingers at a shell.
	h.fake.SetZombie(sess.Name)
	h.advance(15 * time.Minute)

	eventually(t, h.stateIs(sess.Name, StateDead), "zombie session never marked dead")
	rec, _ := h.sup.Get(sess.Name)
	if !strings.Contains(rec.Reason, "program exited") {
		t.Errorf("reason = %q, want program exited", rec.Reason)
	}
	if exists, _ := h.fake.HasSession(sess.Name); exists {
		t.Error("zombie terminal survived")
	}
}

func TestCompleteSessionReapedAfterGrace(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	created := h.mustTask(t, task.CreateSpec{Title: "done soon", Priority: 1})
	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: created.ID, Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}
	h.send(sess.Name, signal.KindWorking, created.ID, `{"session":"squad-AlphaGlade"}`)
	h.send(sess.Name, signal.KindCompleting, created.ID, `{"session":"squad-AlphaGlade","step":"closing"}`)
	h.send(sess.Name, signal.KindComplete, created.ID,
		`{"session":"squad-AlphaGlade","taskId":"`+created.ID+`","completionMode":"review_required"}`)
	eventually(t, h.stateIs(sess.Name, StateComplete), "complete never arrived")

	h.advance(2 * time.Hour)
	eventually(t, func() bool {
		_, err := h.sup.Get(sess.Name)
		return fault.IsNotFound(err)
	}, "complete session never reaped")

	if got := h.bus.Latest(sess.Name); len(got) != 0 {
		t.Errorf("bus still retains %d signals after reap", len(got))
	}
}

func TestRecovery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Live terminals: CedarCove's session and an orphan nobody
	// remembers.
	if err := h.fake.CreateSession("squad-CedarCove", "", "claude"); err != nil {
		t.Fatal(err)
	}
	if err := h.fake.CreateSession("squad-ZincZephyr", "", "claude"); err != nil {
		t.Fatal(err)
	}

	// AlphaGlade held a reservation and its terminal is gone.
	created := h.mustTask(t, task.CreateSpec{Title: "interrupted", Priority: 1})
	if _, err := h.ledger.Acquire("src/a.go", "AlphaGlade", created.ID); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	snap := snapshotFile{
		Version: 1,
		SavedAt: now,
		Sessions: []Session{
			{Name: "squad-AlphaGlade", Agent: "AlphaGlade", Task: created.ID, Mode: ModeWork, State: StateWorking, CreatedAt: now, LastSignalAt: now},
			{Name: "squad-BirchBay", Agent: "BirchBay", Mode: ModeWork, State: StatePaused, CreatedAt: now, LastSignalAt: now},
			{Name: "squad-CedarCove", Agent: "CedarCove", Mode: ModeWork, State: StateStarting, CreatedAt: now, LastSignalAt: now},
		},
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.sup.stateDir, SnapshotFileName), data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := h.sup.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.sup.Close)

	wants := map[string]State{
		"squad-AlphaGlade": StateDead,     // active in snapshot, terminal gone
		"squad-BirchBay":   StatePaused,   // paused needs no terminal
		"squad-CedarCove":  StateStarting, // terminal still live
		"squad-ZincZephyr": StateStarting, // orphan adopted
	}
	for name, want := range wants {
		rec, err := h.sup.Get(name)
		if err != nil {
			t.Fatalf("Get(%s): %v", name, err)
		}
		if rec.State != want {
			t.Errorf("%s state = %s, want %s", name, rec.State, want)
		}
	}

	if rec, _ := h.sup.Get("squad-ZincZephyr"); rec.Agent != "ZincZephyr" {
		t.Errorf("orphan agent = %q, want ZincZephyr", rec.Agent)
	}

	// The adoptee keeps the terminal's real creation time.
	info, err := h.fake.SessionInfo("squad-ZincZephyr")
	if err != nil {
		t.Fatal(err)
	}
	if rec, _ := h.sup.Get("squad-ZincZephyr"); !rec.CreatedAt.Equal(info.Created) {
		t.Errorf("orphan CreatedAt = %v, want the terminal's %v", rec.CreatedAt, info.Created)
	}

	// Dead agent's reservation released.
	if _, held := h.ledger.Holder("src/a.go"); held {
		t.Error("dead agent's reservation survived recovery")
	}

	// The loss is observable on the bus.
	if got := latestOf(h.bus, "squad-AlphaGlade", signal.KindDead); got == nil {
		t.Error("no dead signal for the lost session")
	}
}

func TestSnapshotPersistsLatestSignals(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	created := h.mustTask(t, task.CreateSpec{Title: "durable facts", Priority: 1})
	sess, err := h.sup.Spawn(ctx, SpawnRequest{Agent: "AlphaGlade", Task: created.ID, Mode: ModeWork})
	if err != nil {
		t.Fatal(err)
	}
	h.send(sess.Name, signal.KindWorking, created.ID, `{"session":"squad-AlphaGlade","task":"`+created.ID+`"}`)
	eventually(t, h.stateIs(sess.Name, StateWorking), "working never arrived")

	// The snapshot write trails the record update; poll the file.
	path := filepath.Join(h.sup.stateDir, SnapshotFileName)
	eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		var snap snapshotFile
		if err := json.Unmarshal(data, &snap); err != nil {
			return false
		}
		for _, sig := range snap.Signals {
			if sig.Session == sess.Name && sig.Kind == signal.KindWorking {
				return true
			}
		}
		return false
	}, "snapshot never carried the working signal")
}

func TestRecoverySeedsRetainedSignals(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.fake.CreateSession("squad-AlphaGlade", "", "claude"); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	snap := snapshotFile{
		Version: 1,
		SavedAt: now,
		Sessions: []Session{
			{Name: "squad-AlphaGlade", Agent: "AlphaGlade", Mode: ModeWork, State: StateWorking, CreatedAt: now, LastSignalAt: now},
		},
		Signals: []*signal.Signal{
			{Seq: 42, Session: "squad-AlphaGlade", Kind: signal.KindWorking, Payload: json.RawMessage(`{"task":"squad-a1b"}`), ReceivedAt: now},
		},
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.sup.stateDir, SnapshotFileName), data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.sup.Close)

	if got := latestOf(h.bus, "squad-AlphaGlade", signal.KindWorking); got == nil || got.Seq != 42 {
		t.Fatalf("restored working signal = %+v, want seq 42", got)
	}

	// New publishes continue past the restored sequence.
	seq, _ := h.bus.Publish(&signal.Signal{
		Session: "squad-AlphaGlade",
		Kind:    signal.KindReview,
		Payload: json.RawMessage(`{"task":"squad-a1b","summary":["ready"]}`),
	})
	if seq <= 42 {
		t.Errorf("publish after recovery got seq %d, want past the restored 42", seq)
	}
}
