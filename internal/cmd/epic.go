package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/style"
)

var epicCmd = &cobra.Command{
	Use:     "epic",
	GroupID: GroupTasks,
	Short:   "Epic-level operations",
	RunE:    requireSubcommand,
}

var epicCloseEligibleCmd = &cobra.Command{
	Use:   "close-eligible",
	Short: "Close every epic whose children are all closed",
	Long: `Scan open epics and close the ones where every child is closed.
Epics without children are left alone.

EXAMPLES:
  sq epic close-eligible`,
	RunE: runEpicCloseEligible,
}

var epicProgressCmd = &cobra.Command{
	Use:   "progress <epic-id>",
	Short: "Show an epic's child completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runEpicProgress,
}

func init() {
	epicCmd.AddCommand(epicCloseEligibleCmd)
	epicCmd.AddCommand(epicProgressCmd)
	rootCmd.AddCommand(epicCmd)
}

func runEpicCloseEligible(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	store, err := openTaskStore(stateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	closed, err := store.CloseEligibleEpics(context.Background())
	if err != nil {
		return err
	}
	if len(closed) == 0 {
		fmt.Println("No epics are eligible.")
		return nil
	}
	for _, id := range closed {
		fmt.Printf("%s Closed epic %s\n", style.SuccessPrefix, style.Bold.Render(id))
	}
	return nil
}

func runEpicProgress(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	store, err := openTaskStore(stateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := store.EpicProgress(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d/%d children closed\n", args[0], p.Done, p.Total)
	return nil
}
