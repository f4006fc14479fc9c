package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", New(NotFound, "task gone"), NotFound},
		{"wrapped once", fmt.Errorf("loading: %w", New(Conflict, "path held")), Conflict},
		{"wrapped twice", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", New(Integrity, "bad digest"))), Integrity},
		{"plain error", errors.New("boom"), ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(Unavailable, nil, "opening store"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Integrity, cause, "writing snapshot")

	if !errors.Is(err, cause) {
		t.Error("wrapped error should match cause via errors.Is")
	}
	if !IsIntegrity(err) {
		t.Error("wrapped error should keep its kind")
	}
	want := "writing snapshot: disk full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestPredicates(t *testing.T) {
	err := Errorf(Invariant, "dependency cycle through %s", "demo-abc1")

	if !IsInvariant(err) {
		t.Error("IsInvariant should match")
	}
	if IsNotFound(err) || IsConflict(err) || IsValidation(err) || IsUnavailable(err) || IsIntegrity(err) {
		t.Error("other predicates should not match")
	}
}
