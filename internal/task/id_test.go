package task

import (
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"squad-x7k2", true},
		{"squad-abc", true},
		{"squad-a1b2c3", true},
		{"squad-x7k2.1", true},
		{"squad-x7k2.12.3", true},
		{"my_project-0ab", true},
		{"web-app-x9z", true},
		{"", false},
		{"squad", false},
		{"Squad-x7k2", false},
		{"squad-", false},
		{"squad-ab", false},         // slug too short
		{"squad-abcdefg", false},    // slug too long
		{"1squad-abc", false},       // must start with a letter
		{"squad-x7k2.", false},      // dangling dot
		{"squad-x7k2.a", false},     // child suffix must be numeric
		{"squad-X7K2", false},       // uppercase slug
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateID(tt.id)
			if tt.valid && err != nil {
				t.Errorf("ValidateID(%q) = %v, want nil", tt.id, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateID(%q) = nil, want error", tt.id)
			}
		})
	}
}

func TestNewSlug(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := newSlug()
		if len(s) != slugLen {
			t.Fatalf("slug %q has length %d, want %d", s, len(s), slugLen)
		}
		for _, c := range s {
			if !strings.ContainsRune("abcdefghijklmnopqrstuvwxyz0123456789", c) {
				t.Fatalf("slug %q contains %q", s, c)
			}
		}
		seen[s] = true
	}
	// 100 draws from a 36^4 space should essentially never all collide.
	if len(seen) < 90 {
		t.Errorf("only %d unique slugs in 100 draws", len(seen))
	}
}

func TestChildID(t *testing.T) {
	if got := childID("squad-x7k2", 3); got != "squad-x7k2.3" {
		t.Errorf("childID = %q", got)
	}
	if err := ValidateID(childID("squad-x7k2", 12)); err != nil {
		t.Errorf("generated child id invalid: %v", err)
	}
}

func TestRootIDValid(t *testing.T) {
	for i := 0; i < 20; i++ {
		id := rootID("squad")
		if err := ValidateID(id); err != nil {
			t.Fatalf("generated root id %q invalid: %v", id, err)
		}
	}
}
