package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/style"
	"github.com/squadhq/squad/internal/ui"
)

var rollbackForce bool

var rollbackCmd = &cobra.Command{
	Use:     "rollback [dir|latest]",
	GroupID: GroupWorkspace,
	Short:   "Restore the stores from a backup",
	Long: `Replace the task and agent stores with a backup's copies. The backup
is verified first and a safety backup of the current state is taken, so
a rollback can itself be rolled back.

A running serve loop blocks the rollback: live agents would have their
tasks pulled out from under them. Stop it or pass --force.

EXAMPLES:
  sq rollback                # newest backup
  sq rollback latest
  sq rollback backup_20260301-142210_before-refactor
  sq rollback --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().BoolVar(&rollbackForce, "force", false, "skip confirmation and the running-server check")
	rootCmd.AddCommand(rollbackCmd)
}

// serveRunning reports whether another process holds the serve lock.
func serveRunning(stateDir string) bool {
	fl := flock.New(filepath.Join(stateDir, serveLockName))
	locked, err := fl.TryLock()
	if err != nil {
		return false
	}
	if locked {
		_ = fl.Unlock()
		return false
	}
	return true
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func runRollback(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}

	m, closer, err := openBackupManager(stateDir)
	if err != nil {
		return err
	}
	defer closer()

	arg := ""
	if len(args) == 1 {
		arg = args[0]
	}
	dir, err := resolveBackupDir(m, stateDir, arg)
	if err != nil {
		return err
	}

	if !rollbackForce {
		if serveRunning(stateDir) {
			return fault.New(fault.Conflict, "the serve loop is running; stop 'sq serve' first, or pass --force")
		}
		if ui.IsInputTerminal() {
			if !confirm(fmt.Sprintf("Roll back to %s?", filepath.Base(dir))) {
				fmt.Println("Aborted.")
				return nil
			}
		} else {
			return fault.New(fault.Validation, "refusing to roll back non-interactively; pass --force")
		}
	}

	safety, err := m.Restore(context.Background(), dir, rollbackForce)
	if err != nil {
		return err
	}
	fmt.Printf("%s Restored from %s\n", style.SuccessPrefix, dir)
	fmt.Printf("  safety backup: %s\n", style.Dim.Render(safety.Dir))
	return nil
}
