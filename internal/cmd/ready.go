package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/rules"
	"github.com/squadhq/squad/internal/sched"
	"github.com/squadhq/squad/internal/task"
)

var (
	readyJSON  bool
	readyAgent string
)

var readyCmd = &cobra.Command{
	Use:     "ready",
	GroupID: GroupTasks,
	Short:   "List tasks ready to work",
	Long: `List open, unassigned tasks whose dependencies are all closed,
best first: priority, then age. This is the queue 'sq spawn' pulls from.

--agent previews the single task the scheduler would hand that agent,
applying its assignment and file-reservation preferences, without
claiming anything.

EXAMPLES:
  sq ready
  sq ready --json | jq -r '.[0].id'
  sq ready --agent AlphaGlade`,
	RunE: runReady,
}

func init() {
	readyCmd.Flags().BoolVar(&readyJSON, "json", false, "print as JSON")
	readyCmd.Flags().StringVar(&readyAgent, "agent", "", "preview the scheduler's pick for this agent")
	rootCmd.AddCommand(readyCmd)
}

func runReady(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	store, err := openTaskStore(stateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if readyAgent != "" {
		return runReadyPick(stateDir, store)
	}

	tasks, err := store.Ready(context.Background())
	if err != nil {
		return err
	}

	if readyJSON {
		if tasks == nil {
			tasks = []*task.Task{}
		}
		return printJSON(tasks)
	}
	if len(tasks) == 0 {
		fmt.Println("Nothing is ready. Every open task is blocked, assigned, or an epic with open children.")
		return nil
	}
	renderTaskTable(tasks)
	return nil
}

// runReadyPick previews the scheduler's choice for one agent against
// the persisted ledger and rules, claiming nothing.
func runReadyPick(stateDir string, store *task.Store) error {
	ledger, err := openLedger(stateDir)
	if err != nil {
		return err
	}
	f, err := rules.Load(filepath.Join(stateDir, rules.FileName))
	if err != nil {
		return err
	}

	sc := sched.New(sched.Config{Tasks: store, Ledger: ledger, Rules: rules.Static{File: f}})
	picked, err := sc.PickNext(context.Background(), readyAgent)
	if fault.IsNotFound(err) {
		if readyJSON {
			return printJSON([]*task.Task{})
		}
		fmt.Printf("Nothing ready for %s.\n", readyAgent)
		return nil
	}
	if err != nil {
		return err
	}

	if readyJSON {
		return printJSON([]*task.Task{picked})
	}
	renderTaskTable([]*task.Task{picked})
	return nil
}
