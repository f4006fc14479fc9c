package version

import (
	"strings"
	"testing"
)

func TestShortCommit(t *testing.T) {
	tests := []struct {
		name   string
		hash   string
		expect string
	}{
		{"full SHA", "abcdef1234567890abcdef1234567890abcdef12", "abcdef123456"},
		{"exactly 12", "abcdef123456", "abcdef123456"},
		{"short hash", "abcdef", "abcdef"},
		{"empty", "", ""},
		{"13 chars", "abcdef1234567", "abcdef123456"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShortCommit(tt.hash)
			if got != tt.expect {
				t.Errorf("ShortCommit(%q) = %q, want %q", tt.hash, got, tt.expect)
			}
		})
	}
}

func TestResolveCommitPrefersStamped(t *testing.T) {
	original := Commit
	defer func() { Commit = original }()

	Commit = "explicit_commit_hash"
	if got := ResolveCommit(); got != "explicit_commit_hash" {
		t.Errorf("ResolveCommit() = %q, want stamped value", got)
	}
}

func TestStringIncludesCommit(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	Version = "v1.2.3"
	Commit = "abcdef1234567890"
	Date = "2026-01-02"

	s := String()
	if !strings.Contains(s, "v1.2.3") {
		t.Errorf("String() = %q, missing version", s)
	}
	if !strings.Contains(s, "abcdef123456") {
		t.Errorf("String() = %q, missing short commit", s)
	}
	if strings.Contains(s, "abcdef1234567890") {
		t.Errorf("String() = %q, commit not shortened", s)
	}
	if !strings.Contains(s, "built 2026-01-02") {
		t.Errorf("String() = %q, missing date", s)
	}
}
