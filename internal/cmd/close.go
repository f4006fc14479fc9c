package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/style"
)

var (
	closeReason string
	closeForce  bool
)

var closeCmd = &cobra.Command{
	Use:     "close <task-id>",
	GroupID: GroupTasks,
	Short:   "Close a task",
	Long: `Close a task. Tasks with open dependencies refuse to close unless
forced; dependents of a force-closed task become workable.

EXAMPLES:
  sq close demo-4fa3
  sq close demo-4fa3 --reason "fixed in 83adf1c"
  sq close demo-4fa3 --force --reason "cut from scope"`,
	Args: cobra.ExactArgs(1),
	RunE: runClose,
}

var reopenCmd = &cobra.Command{
	Use:     "reopen <task-id>",
	GroupID: GroupTasks,
	Short:   "Reopen a closed task",
	Long: `Reopen a closed task. The close reason is cleared and the task
returns to open; closed is otherwise terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: runReopen,
}

func init() {
	closeCmd.Flags().StringVarP(&closeReason, "reason", "r", "", "why the task is done")
	closeCmd.Flags().BoolVar(&closeForce, "force", false, "close even with open dependencies")
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(reopenCmd)
}

func runClose(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	store, err := openTaskStore(stateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	closed, err := store.CloseTask(context.Background(), args[0], closeReason, closeForce)
	if err != nil {
		return err
	}
	fmt.Printf("%s Closed %s: %s\n", style.SuccessPrefix, style.Bold.Render(closed.ID), closed.Title)
	return nil
}

func runReopen(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	store, err := openTaskStore(stateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := store.Reopen(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s Reopened %s: %s\n", style.SuccessPrefix, style.Bold.Render(t.ID), t.Title)
	return nil
}
