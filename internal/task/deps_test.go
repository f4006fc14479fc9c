package task

import (
	"context"
	"testing"

	"github.com/squadhq/squad/internal/fault"
)

func TestAddDepCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, CreateSpec{Title: "a"})
	b := mustCreate(t, s, CreateSpec{Title: "b"})
	c := mustCreate(t, s, CreateSpec{Title: "c"})

	if err := s.AddDep(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("AddDep a->b: %v", err)
	}
	if err := s.AddDep(ctx, b.ID, c.ID); err != nil {
		t.Fatalf("AddDep b->c: %v", err)
	}

	// Direct cycle.
	if err := s.AddDep(ctx, b.ID, a.ID); !fault.IsValidation(err) {
		t.Errorf("AddDep b->a = %v, want validation error", err)
	}
	// Transitive cycle through b.
	if err := s.AddDep(ctx, c.ID, a.ID); !fault.IsValidation(err) {
		t.Errorf("AddDep c->a = %v, want validation error", err)
	}
	// Self dependency.
	if err := s.AddDep(ctx, a.ID, a.ID); !fault.IsValidation(err) {
		t.Errorf("AddDep a->a = %v, want validation error", err)
	}
}

func TestAddDepEdgeCases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, CreateSpec{Title: "a"})
	b := mustCreate(t, s, CreateSpec{Title: "b"})

	if err := s.AddDep(ctx, a.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	// Duplicate add is a no-op.
	if err := s.AddDep(ctx, a.ID, b.ID); err != nil {
		t.Errorf("duplicate AddDep = %v, want nil", err)
	}
	deps, _ := s.DepsOf(ctx, a.ID)
	if len(deps) != 1 {
		t.Errorf("deps after duplicate add = %v", deps)
	}

	// Unknown tasks are rejected.
	if err := s.AddDep(ctx, a.ID, "squad-none"); !fault.IsNotFound(err) {
		t.Errorf("AddDep to missing = %v, want not found", err)
	}

	// Removing a nonexistent edge is a no-op.
	if err := s.RemoveDep(ctx, b.ID, a.ID); err != nil {
		t.Errorf("RemoveDep missing edge = %v, want nil", err)
	}
	if err := s.RemoveDep(ctx, a.ID, b.ID); err != nil {
		t.Errorf("RemoveDep: %v", err)
	}
	deps, _ = s.DepsOf(ctx, a.ID)
	if len(deps) != 0 {
		t.Errorf("deps after remove = %v", deps)
	}
}

func TestDependents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, CreateSpec{Title: "a"})
	b := mustCreate(t, s, CreateSpec{Title: "b"})
	c := mustCreate(t, s, CreateSpec{Title: "c"})
	if err := s.AddDep(ctx, b.ID, a.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDep(ctx, c.ID, a.ID); err != nil {
		t.Fatal(err)
	}

	dependents, err := s.Dependents(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(dependents) != 2 {
		t.Errorf("dependents = %v", dependents)
	}
}

// Mirrors the linear-epic flow: children become ready, the epic waits,
// and roll-up closes the epic once the last child closes.
func TestEpicLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	epic := mustCreate(t, s, CreateSpec{Title: "big feature", IssueType: TypeEpic, Priority: 1})
	c1 := mustCreate(t, s, CreateSpec{Title: "step one", Parent: epic.ID, Priority: 1})
	c2 := mustCreate(t, s, CreateSpec{Title: "step two", Parent: epic.ID, Priority: 1})

	ready, err := s.Ready(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 2 || ready[0].ID != c1.ID || ready[1].ID != c2.ID {
		t.Fatalf("ready = %v, want both children in order", ids(ready))
	}

	if _, err := s.CloseTask(ctx, c1.ID, "", false); err != nil {
		t.Fatal(err)
	}
	progress, err := s.EpicProgress(ctx, epic.ID)
	if err != nil {
		t.Fatal(err)
	}
	if progress.Done != 1 || progress.Total != 2 {
		t.Errorf("progress = %+v", progress)
	}
	if eligible, _ := s.CloseEligibleEpics(ctx); len(eligible) != 0 {
		t.Errorf("epic eligible too early: %v", eligible)
	}

	if _, err := s.CloseTask(ctx, c2.ID, "", false); err != nil {
		t.Fatal(err)
	}
	progress, _ = s.EpicProgress(ctx, epic.ID)
	if progress.Done != 2 || progress.Total != 2 {
		t.Errorf("progress = %+v", progress)
	}

	closed, err := s.CloseEligibleEpics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 || closed[0] != epic.ID {
		t.Fatalf("CloseEligibleEpics = %v", closed)
	}
	got, _ := s.Get(ctx, epic.ID)
	if got.Status != StatusClosed {
		t.Errorf("epic status = %s, want closed", got.Status)
	}
}

func TestCloseEligibleSkipsChildlessEpics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, CreateSpec{Title: "empty epic", IssueType: TypeEpic})
	closed, err := s.CloseEligibleEpics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 0 {
		t.Errorf("childless epic closed: %v", closed)
	}
}

func TestCloseEligibleSkipsEpicWithExternalDep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	epic := mustCreate(t, s, CreateSpec{Title: "epic", IssueType: TypeEpic})
	child := mustCreate(t, s, CreateSpec{Title: "child", Parent: epic.ID})
	other := mustCreate(t, s, CreateSpec{Title: "external"})
	if err := s.AddDep(ctx, epic.ID, other.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CloseTask(ctx, child.ID, "", false); err != nil {
		t.Fatal(err)
	}

	// All children closed, but the external dep holds the epic open.
	closed, err := s.CloseEligibleEpics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 0 {
		t.Errorf("epic with open external dep closed: %v", closed)
	}

	if _, err := s.CloseTask(ctx, other.ID, "", false); err != nil {
		t.Fatal(err)
	}
	closed, _ = s.CloseEligibleEpics(ctx)
	if len(closed) != 1 {
		t.Errorf("epic not closed after external dep resolved: %v", closed)
	}
}

func TestEpicNotBlockedByClosedChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	epic := mustCreate(t, s, CreateSpec{Title: "epic", IssueType: TypeEpic})
	child := mustCreate(t, s, CreateSpec{Title: "child", Parent: epic.ID})
	if _, err := s.CloseTask(ctx, child.ID, "", false); err != nil {
		t.Fatal(err)
	}

	// With all deps closed the epic itself is ready for verification.
	ready, _ := s.Ready(ctx)
	found := false
	for _, r := range ready {
		if r.ID == epic.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("epic with closed children missing from ready: %v", ids(ready))
	}
}
