package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/style"
	"github.com/squadhq/squad/internal/task"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:     "show <task-id>",
	GroupID: GroupTasks,
	Short:   "Show one task in full",
	Long: `Show a task's fields, dependencies (with their current status),
dependents, and for epics the children and completion progress.

EXAMPLES:
  sq show demo-4fa3
  sq show demo-4fa3 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(showCmd)
}

// taskDetail is the --json shape: the task plus its graph neighborhood.
type taskDetail struct {
	*task.Task
	Dependents []string       `json:"dependents,omitempty"`
	Children   []*task.Task   `json:"children,omitempty"`
	Progress   *task.Progress `json:"progress,omitempty"`
}

func runShow(cmd *cobra.Command, args []string) error {
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
	t, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}

	detail := taskDetail{Task: t}
	if detail.Dependents, err = store.Dependents(ctx, t.ID); err != nil {
		return err
	}
	if t.IsEpic() {
		if detail.Children, err = store.Children(ctx, t.ID); err != nil {
			return err
		}
		if detail.Progress, err = store.EpicProgress(ctx, t.ID); err != nil {
			return err
		}
	}

	if showJSON {
		return printJSON(detail)
	}

	fmt.Printf("%s  %s\n", style.Bold.Render(t.ID), t.Title)
	fmt.Printf("  status:   %s\n", statusLabel(t.Status))
	fmt.Printf("  type:     %s    priority: %d\n", t.IssueType, t.Priority)
	if t.Assignee != "" {
		fmt.Printf("  assignee: %s\n", t.Assignee)
	}
	if t.Parent != "" {
		fmt.Printf("  parent:   %s\n", t.Parent)
	}
	if len(t.Labels) > 0 {
		fmt.Printf("  labels:   %s\n", strings.Join(t.Labels, ", "))
	}
	fmt.Printf("  created:  %s\n", t.CreatedAt.Local().Format(time.RFC822))
	if t.ClosedAt != nil {
		reason := t.CloseReason
		if reason == "" {
			reason = "-"
		}
		fmt.Printf("  closed:   %s (%s)\n", t.ClosedAt.Local().Format(time.RFC822), reason)
	}

	if len(t.DependsOn) > 0 {
		fmt.Println("\nDepends on:")
		for _, dep := range t.DependsOn {
			d, err := store.Get(ctx, dep)
			if err != nil {
				fmt.Printf("  %s  %s\n", dep, style.Error.Render("(missing)"))
				continue
			}
			fmt.Printf("  %s  %s  %s\n", d.ID, statusLabel(d.Status), d.Title)
		}
	}
	if len(detail.Dependents) > 0 {
		fmt.Printf("\nBlocks: %s\n", strings.Join(detail.Dependents, ", "))
	}
	if detail.Progress != nil {
		fmt.Printf("\nEpic progress: %d/%d children closed\n", detail.Progress.Done, detail.Progress.Total)
		for _, c := range detail.Children {
			fmt.Printf("  %s  %s  %s\n", c.ID, statusLabel(c.Status), c.Title)
		}
	}
	if t.Description != "" {
		fmt.Printf("\n%s\n", t.Description)
	}
	if t.Notes != "" {
		fmt.Printf("\n%s\n%s\n", style.Dim.Render("notes:"), t.Notes)
	}
	return nil
}
