package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/style"
	"github.com/squadhq/squad/internal/task"
)

var (
	listStatus   string
	listType     string
	listAssignee string
	listParent   string
	listLabel    string
	listLimit    int
	listBlocked  bool
	listJSON     bool
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: GroupTasks,
	Short:   "List tasks",
	Long: `List tasks, newest first, optionally filtered.

EXAMPLES:
  sq list
  sq list --status open,in_progress
  sq list --type bug --label backend
  sq list --blocked           # only tasks waiting on open dependencies
  sq list --assignee AlphaGlade --json`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "statuses, comma-separated")
	listCmd.Flags().StringVarP(&listType, "type", "t", "", "issue type")
	listCmd.Flags().StringVarP(&listAssignee, "assignee", "a", "", "assignee")
	listCmd.Flags().StringVar(&listParent, "parent", "", "parent task id")
	listCmd.Flags().StringVarP(&listLabel, "label", "l", "", "label")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "max rows (0 = all)")
	listCmd.Flags().BoolVar(&listBlocked, "blocked", false, "only tasks with open dependencies")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	store, err := openTaskStore(stateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	var tasks []*task.Task
	if listBlocked {
		tasks, err = store.Blocked(ctx)
	} else {
		f := task.Filter{
			IssueType: task.IssueType(listType),
			Assignee:  listAssignee,
			Parent:    listParent,
			Label:     listLabel,
			Limit:     listLimit,
		}
		for _, s := range strings.Split(listStatus, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if !task.ValidStatus(task.Status(s)) {
				return fault.Errorf(fault.Validation, "unknown status %q", s)
			}
			f.Statuses = append(f.Statuses, task.Status(s))
		}
		tasks, err = store.List(ctx, f)
	}
	if err != nil {
		return err
	}

	if listJSON {
		if tasks == nil {
			tasks = []*task.Task{}
		}
		return printJSON(tasks)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}
	renderTaskTable(tasks)

	// An unfiltered listing gets the store-wide breakdown instead of a
	// bare row count.
	summary := fmt.Sprintf("%d task(s)", len(tasks))
	unfiltered := !listBlocked && listStatus == "" && listType == "" &&
		listAssignee == "" && listParent == "" && listLabel == "" && listLimit == 0
	if unfiltered {
		if st, err := store.Stats(ctx); err == nil {
			summary = fmt.Sprintf("%d task(s): %d open, %d in progress, %d blocked, %d closed",
				st.Total, st.Open, st.InProgress, st.Blocked, st.Closed)
		}
	}
	fmt.Printf("\n%s\n", style.Dim.Render(summary))
	return nil
}
