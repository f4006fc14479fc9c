package exitcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/squadhq/squad/internal/fault"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, Success},
		{"validation", fault.New(fault.Validation, "bad id"), ErrUser},
		{"not found", fault.New(fault.NotFound, "no such task"), ErrUser},
		{"conflict", fault.New(fault.Conflict, "path held"), ErrState},
		{"invariant", fault.New(fault.Invariant, "cycle"), ErrState},
		{"unavailable", fault.New(fault.Unavailable, "no tmux"), ErrState},
		{"integrity", fault.New(fault.Integrity, "bad digest"), ErrIntegrity},
		{"plain error", errors.New("boom"), ErrUser},
		{"wrapped kind", fmt.Errorf("closing: %w", fault.New(fault.Integrity, "bad digest")), ErrIntegrity},
		{"explicit override", Wrap(ErrIntegrity, errors.New("boom")), ErrIntegrity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.want {
				t.Errorf("Code() = %d, want %d", got, tt.want)
			}
		})
	}
}
