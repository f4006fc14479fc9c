package sched

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/reserve"
	"github.com/squadhq/squad/internal/rules"
	"github.com/squadhq/squad/internal/task"
)

func newTestSched(t *testing.T, f *rules.File) (*Scheduler, *task.Store, *reserve.Ledger) {
	t.Helper()
	dir := t.TempDir()
	store, err := task.Open(filepath.Join(dir, task.DBFileName), "squad")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ledger, err := reserve.Open(filepath.Join(dir, reserve.FileName))
	if err != nil {
		t.Fatalf("reserve.Open: %v", err)
	}

	s := New(Config{Tasks: store, Ledger: ledger, Rules: rules.Static{File: f}})
	return s, store, ledger
}

func mustCreate(t *testing.T, store *task.Store, spec task.CreateSpec) *task.Task {
	t.Helper()
	created, err := store.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("Create(%q): %v", spec.Title, err)
	}
	return created
}

func TestPickNextPrefersLowerPriority(t *testing.T) {
	s, store, _ := newTestSched(t, nil)
	ctx := context.Background()

	mustCreate(t, store, task.CreateSpec{Title: "later", Priority: 3})
	urgent := mustCreate(t, store, task.CreateSpec{Title: "urgent", Priority: 0})

	got, err := s.PickNext(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != urgent.ID {
		t.Errorf("picked %q, want the priority-0 task %q", got.ID, urgent.ID)
	}
}

func TestPickNextPrefersOwnAssignments(t *testing.T) {
	s, store, _ := newTestSched(t, nil)
	ctx := context.Background()

	mustCreate(t, store, task.CreateSpec{Title: "urgent unassigned", Priority: 0})
	mine := mustCreate(t, store, task.CreateSpec{Title: "mine", Priority: 3, Assignee: "alice"})

	got, err := s.PickNext(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != mine.ID {
		t.Errorf("picked %q, want pre-assigned %q even at worse priority", got.ID, mine.ID)
	}
}

func TestPickNextSkipsOthersAssignments(t *testing.T) {
	s, store, _ := newTestSched(t, nil)
	ctx := context.Background()

	mustCreate(t, store, task.CreateSpec{Title: "earmarked", Priority: 0, Assignee: "bob"})

	if _, err := s.PickNext(ctx, "alice"); !fault.IsNotFound(err) {
		t.Errorf("err = %v, want NotFound when the only task belongs to bob", err)
	}
}

func TestPickNextBreaksTiesByAge(t *testing.T) {
	s, store, _ := newTestSched(t, nil)
	ctx := context.Background()

	older := mustCreate(t, store, task.CreateSpec{Title: "older", Priority: 2})
	time.Sleep(5 * time.Millisecond)
	mustCreate(t, store, task.CreateSpec{Title: "newer", Priority: 2})

	got, err := s.PickNext(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != older.ID {
		t.Errorf("picked %q, want the older %q", got.ID, older.ID)
	}
}

func TestPickNextDeprioritizesFileConflicts(t *testing.T) {
	s, store, ledger := newTestSched(t, nil)
	ctx := context.Background()

	contested := mustCreate(t, store, task.CreateSpec{
		Title: "touches parser", Priority: 1,
		Labels: []string{task.FileLabelPrefix + "src/parser.go"},
	})
	free := mustCreate(t, store, task.CreateSpec{Title: "elsewhere", Priority: 1})

	if _, err := ledger.Acquire("src/parser.go", "bob", contested.ID); err != nil {
		t.Fatal(err)
	}

	got, err := s.PickNext(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != free.ID {
		t.Errorf("picked %q, want conflict-free %q", got.ID, free.ID)
	}

	// The holder itself is not conflicted by its own reservation.
	got, err = s.PickNext(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != contested.ID && got.ID != free.ID {
		t.Errorf("bob picked %q", got.ID)
	}
}

func TestPickNextSkipsEpicsWithOpenChildren(t *testing.T) {
	s, store, _ := newTestSched(t, nil)
	ctx := context.Background()

	epic := mustCreate(t, store, task.CreateSpec{Title: "migration", IssueType: task.TypeEpic, Priority: 0})
	child := mustCreate(t, store, task.CreateSpec{Title: "step one", Parent: epic.ID, Priority: 2})

	got, err := s.PickNext(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != child.ID {
		t.Errorf("picked %q, want child %q while the epic has open children", got.ID, child.ID)
	}

	if _, err := store.CloseTask(ctx, child.ID, "done", false); err != nil {
		t.Fatal(err)
	}
	got, err = s.PickNext(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != epic.ID {
		t.Errorf("picked %q, want epic %q once children closed", got.ID, epic.ID)
	}
}

func TestClaimNextClaims(t *testing.T) {
	s, store, _ := newTestSched(t, nil)
	ctx := context.Background()

	created := mustCreate(t, store, task.CreateSpec{Title: "work", Priority: 1})

	got, err := s.ClaimNext(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != created.ID {
		t.Fatalf("claimed %q, want %q", got.ID, created.ID)
	}
	if got.Status != task.StatusInProgress || got.Assignee != "alice" {
		t.Errorf("claimed task = %s/%s, want in_progress/alice", got.Status, got.Assignee)
	}

	// Nothing left.
	if _, err := s.ClaimNext(ctx, "alice"); !fault.IsNotFound(err) {
		t.Errorf("second claim err = %v, want NotFound", err)
	}
}

func TestClaimNextSkipsRacedCandidate(t *testing.T) {
	s, store, _ := newTestSched(t, nil)
	ctx := context.Background()

	first := mustCreate(t, store, task.CreateSpec{Title: "first", Priority: 0})
	second := mustCreate(t, store, task.CreateSpec{Title: "second", Priority: 1})

	// Another agent wins the best candidate between snapshot and claim.
	if err := store.Claim(ctx, first.ID, "bob"); err != nil {
		t.Fatal(err)
	}

	got, err := s.ClaimNext(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != second.ID {
		t.Errorf("claimed %q, want fallback %q", got.ID, second.ID)
	}
}

func TestDecidePrecedence(t *testing.T) {
	f := &rules.File{
		Version:       rules.Version,
		DefaultAction: rules.ActionReview,
		Rules:         []rules.Rule{{Type: task.TypeChore, MaxAutoPriority: 4}},
	}
	s, store, _ := newTestSched(t, f)
	ctx := context.Background()

	epicAuto := mustCreate(t, store, task.CreateSpec{
		Title: "epic", IssueType: task.TypeEpic,
		Notes: "review-mode: auto",
	})

	tests := []struct {
		name string
		spec task.CreateSpec
		want rules.Action
	}{
		{
			"task notes beat everything",
			task.CreateSpec{Title: "a", IssueType: task.TypeChore, Priority: 0, Notes: "review-mode: review"},
			rules.ActionReview,
		},
		{
			"epic notes beat rules file",
			task.CreateSpec{Title: "b", IssueType: task.TypeBug, Priority: 0, Parent: epicAuto.ID},
			rules.ActionAuto,
		},
		{
			"rules file decides for chores",
			task.CreateSpec{Title: "c", IssueType: task.TypeChore, Priority: 3},
			rules.ActionAuto,
		},
		{
			"file default holds otherwise",
			task.CreateSpec{Title: "d", IssueType: task.TypeBug, Priority: 0},
			rules.ActionReview,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			created := mustCreate(t, store, tt.spec)
			d := s.Decide(ctx, created)
			if d.Action != tt.want {
				t.Errorf("Decide = %s (%s), want %s", d.Action, d.Source, tt.want)
			}
		})
	}
}

func TestDecideAutoChainMatchesPriorityThreshold(t *testing.T) {
	f := &rules.File{
		Version:       rules.Version,
		DefaultAction: rules.ActionReview,
		Rules: []rules.Rule{
			{Type: task.TypeChore, MaxAutoPriority: 4},
			{Type: task.TypeBug, MaxAutoPriority: 1},
		},
	}
	s, store, _ := newTestSched(t, f)
	ctx := context.Background()

	chore := mustCreate(t, store, task.CreateSpec{Title: "tidy", IssueType: task.TypeChore, Priority: 3})
	if d := s.Decide(ctx, chore); d.Action != rules.ActionAuto {
		t.Errorf("chore p3 = %s, want auto", d.Action)
	}

	bug := mustCreate(t, store, task.CreateSpec{Title: "crash", IssueType: task.TypeBug, Priority: 2})
	if d := s.Decide(ctx, bug); d.Action != rules.ActionReview {
		t.Errorf("bug p2 over threshold 1 = %s, want review", d.Action)
	}
}

func TestDecideGlobalDefault(t *testing.T) {
	// A rules file with no defaultAction defers to the scheduler's own
	// default.
	f := &rules.File{Version: rules.Version}
	dir := t.TempDir()
	store, err := task.Open(filepath.Join(dir, task.DBFileName), "squad")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	ledger, err := reserve.Open(filepath.Join(dir, reserve.FileName))
	if err != nil {
		t.Fatal(err)
	}

	s := New(Config{Tasks: store, Ledger: ledger, Rules: rules.Static{File: f}, DefaultAuto: true})
	created := mustCreate(t, store, task.CreateSpec{Title: "anything", Priority: 2})
	if d := s.Decide(context.Background(), created); d.Action != rules.ActionAuto {
		t.Errorf("Decide = %s (%s), want global auto default", d.Action, d.Source)
	}
}
