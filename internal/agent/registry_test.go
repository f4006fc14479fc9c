package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/squadhq/squad/internal/fault"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), DBFileName))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegisterInventsName(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Register(ctx, "", "claude", "opus")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !ValidName(a.Name) {
		t.Errorf("invented name %q not valid", a.Name)
	}
	if a.Program != "claude" || a.Model != "opus" {
		t.Errorf("agent = %+v", a)
	}

	// A second invention avoids the first name.
	b, err := r.Register(ctx, "", "claude", "opus")
	if err != nil {
		t.Fatal(err)
	}
	if b.Name == a.Name {
		t.Errorf("invented duplicate name %q", b.Name)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, "AlphaGlade", "claude", "opus")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Re-registering the same name returns the existing record, even
	// with different program/model.
	second, err := r.Register(ctx, "AlphaGlade", "codex", "gpt")
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if second.Program != first.Program || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("re-register changed the record: %+v vs %+v", second, first)
	}

	n, _ := r.Count(ctx)
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestRegisterRejectsBadName(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"alpha", "alphaGlade", "Alpha-Glade", "ALPHA", "Alpha Glade"} {
		if _, err := r.Register(ctx, name, "", ""); !fault.IsValidation(err) {
			t.Errorf("Register(%q) = %v, want validation error", name, err)
		}
	}
}

func TestRecentAndTouch(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "AlphaGlade", "claude", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(ctx, "BetaRidge", "claude", ""); err != nil {
		t.Fatal(err)
	}

	recent, err := r.Recent(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d agents", len(recent))
	}

	// Touch moves AlphaGlade to the front.
	time.Sleep(5 * time.Millisecond)
	if err := r.Touch(ctx, "AlphaGlade"); err != nil {
		t.Fatal(err)
	}
	recent, _ = r.Recent(ctx, time.Hour)
	if recent[0].Name != "AlphaGlade" {
		t.Errorf("most recent = %s, want AlphaGlade", recent[0].Name)
	}

	// Touching an unknown agent is a no-op.
	if err := r.Touch(ctx, "GhostTown"); err != nil {
		t.Errorf("Touch unknown = %v", err)
	}
}

func TestPurge(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "AlphaGlade", "", ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := r.Register(ctx, "BetaRidge", "", ""); err != nil {
		t.Fatal(err)
	}

	// Purge with a cutoff between the two registrations.
	removed, err := r.Purge(ctx, 15*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("purged %d, want 1", removed)
	}
	if _, err := r.Get(ctx, "AlphaGlade"); !fault.IsNotFound(err) {
		t.Errorf("purged agent still present: %v", err)
	}
	if _, err := r.Get(ctx, "BetaRidge"); err != nil {
		t.Errorf("recent agent purged: %v", err)
	}
}

func TestValidName(t *testing.T) {
	valid := []string{"AlphaGlade", "IronFalls", "WrenSummit2", "GoldBay"}
	invalid := []string{"", "alpha", "Alpha", "alphaglade", "Alpha-Glade", "ALPHAGLADE", "Alpha Glade", "3AlphaGlade"}
	for _, n := range valid {
		if !ValidName(n) {
			t.Errorf("ValidName(%q) = false, want true", n)
		}
	}
	for _, n := range invalid {
		if ValidName(n) {
			t.Errorf("ValidName(%q) = true, want false", n)
		}
	}
}

func TestRandomNameExhaustion(t *testing.T) {
	// With every dictionary name taken, overflow names get suffixes.
	name := randomName(func(candidate string) bool {
		return !hasDigit(candidate)
	})
	if !ValidName(name) {
		t.Errorf("overflow name %q not valid", name)
	}
	if !hasDigit(name) {
		t.Errorf("overflow name %q has no numeric suffix", name)
	}
}

func hasDigit(s string) bool {
	for _, c := range s {
		if c >= '0' && c <= '9' {
			return true
		}
	}
	return false
}
