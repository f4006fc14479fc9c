// Package cmd provides CLI commands for the sq tool.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/exitcode"
	"github.com/squadhq/squad/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "sq",
	Short:   "Squad - agent session and task orchestrator",
	Version: version.String(),
	Long: `Squad (sq) runs coding agents in terminal sessions and tracks their work.

Tasks live in a dependency-aware store under .squad/; the serve loop
spawns agents into terminal-multiplexer sessions, follows their
lifecycle signals, and hands out the next ready task when one
completes.`,
	SilenceUsage: true,
}

// Execute runs the root command and returns an exit code.
// The caller (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already printed the error. Scripts branch on the code:
		// 1 user error, 2 invalid state, 3 integrity failure.
		return exitcode.Code(err)
	}
	return exitcode.Success
}

// Command group IDs - used by subcommands to organize help output
const (
	GroupTasks     = "tasks"
	GroupSessions  = "sessions"
	GroupWorkspace = "workspace"
	GroupDiag      = "diag"
)

func init() {
	// Enable prefix matching for subcommands (e.g., "sq se" -> "sq sessions")
	cobra.EnablePrefixMatching = true

	// Define command groups (order determines help output order)
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupTasks, Title: "Tasks:"},
		&cobra.Group{ID: GroupSessions, Title: "Sessions:"},
		&cobra.Group{ID: GroupWorkspace, Title: "Workspace:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)

	rootCmd.SetHelpCommandGroupID(GroupDiag)
	rootCmd.SetCompletionCommandGroupID(GroupDiag)
}

// buildCommandPath walks the command hierarchy to build the full command path.
// For example: "sq dep add", "sq backup list", etc.
func buildCommandPath(cmd *cobra.Command) string {
	var parts []string
	for c := cmd; c != nil; c = c.Parent() {
		parts = append([]string{c.Name()}, parts...)
	}
	return strings.Join(parts, " ")
}

// requireSubcommand returns an error for parent commands invoked without
// a subcommand. Without this, Cobra silently shows help and exits 0 for
// unknown subcommands like "sq dep foobar", masking errors.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("requires a subcommand\n\nRun '%s --help' for usage", buildCommandPath(cmd))
	}
	return fmt.Errorf("unknown command %q for %q\n\nRun '%s --help' for available commands",
		args[0], buildCommandPath(cmd), buildCommandPath(cmd))
}
