package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/style"
)

var depCmd = &cobra.Command{
	Use:     "dep",
	GroupID: GroupTasks,
	Short:   "Manage task dependencies",
	Long: `Add or remove dependency edges. Edges that would form a cycle are
rejected.

EXAMPLES:
  sq dep add demo-4fa3 demo-9b21    # demo-4fa3 now waits on demo-9b21
  sq dep remove demo-4fa3 demo-9b21`,
	RunE: requireSubcommand,
}

var depAddCmd = &cobra.Command{
	Use:   "add <task-id> <depends-on-id>",
	Short: "Add a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE:  runDepAdd,
}

var depRemoveCmd = &cobra.Command{
	Use:   "remove <task-id> <depends-on-id>",
	Short: "Remove a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE:  runDepRemove,
}

func init() {
	depCmd.AddCommand(depAddCmd)
	depCmd.AddCommand(depRemoveCmd)
	rootCmd.AddCommand(depCmd)
}

func runDepAdd(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	store, err := openTaskStore(stateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.AddDep(context.Background(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("%s %s now depends on %s\n", style.SuccessPrefix, args[0], args[1])
	return nil
}

func runDepRemove(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	store, err := openTaskStore(stateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RemoveDep(context.Background(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("%s Removed %s -> %s\n", style.SuccessPrefix, args[0], args[1])
	return nil
}
