// Package version carries the build identity stamped into the binary.
package version

import (
	"fmt"
	"runtime/debug"
)

// Stamped at build time via -ldflags:
//
//	-X github.com/squadhq/squad/internal/version.Version=v0.3.0
//	-X github.com/squadhq/squad/internal/version.Commit=<sha>
//	-X github.com/squadhq/squad/internal/version.Date=<iso8601>
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// ShortCommit truncates a full SHA to 12 characters for display.
func ShortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// ResolveCommit returns the best commit hash available: the stamped
// value when set, otherwise the VCS revision recorded in build info.
func ResolveCommit() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, kv := range info.Settings {
			if kv.Key == "vcs.revision" {
				return kv.Value
			}
		}
	}
	return ""
}

// String is the one-line form shown by `sq version` and written into
// backup metadata.
func String() string {
	s := Version
	if c := ResolveCommit(); c != "" {
		s = fmt.Sprintf("%s (%s)", s, ShortCommit(c))
	}
	if Date != "" {
		s += " built " + Date
	}
	return s
}
