package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/style"
	"github.com/squadhq/squad/internal/task"
)

var (
	updateTitle    string
	updateDesc     string
	updateNotes    string
	updateType     string
	updatePriority int
	updateStatus   string
	updateAssignee string
	updateLabels   []string
	updateJSON     bool
)

var updateCmd = &cobra.Command{
	Use:     "update <task-id>",
	GroupID: GroupTasks,
	Short:   "Update task fields",
	Long: `Update one or more fields of a task. Only the flags you pass change.

Status changes follow the transition rules: closed tasks stay closed
(use 'sq reopen'), and moving into in_progress requires every
dependency to be closed.

EXAMPLES:
  sq update demo-4fa3 --priority 0
  sq update demo-4fa3 --status blocked --notes "waiting on API keys"
  sq update demo-4fa3 --assignee BirchBay`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdate,
}

func init() {
	updateCmd.Flags().StringVar(&updateTitle, "title", "", "new title")
	updateCmd.Flags().StringVarP(&updateDesc, "desc", "d", "", "new description")
	updateCmd.Flags().StringVar(&updateNotes, "notes", "", "new notes")
	updateCmd.Flags().StringVarP(&updateType, "type", "t", "", "new issue type")
	updateCmd.Flags().IntVarP(&updatePriority, "priority", "p", 0, "new priority")
	updateCmd.Flags().StringVarP(&updateStatus, "status", "s", "", "new status")
	updateCmd.Flags().StringVarP(&updateAssignee, "assignee", "a", "", "new assignee (empty string clears)")
	updateCmd.Flags().StringSliceVarP(&updateLabels, "labels", "l", nil, "replacement label set")
	updateCmd.Flags().BoolVar(&updateJSON, "json", false, "print the updated task as JSON")
	rootCmd.AddCommand(updateCmd)
}

// patchFromFlags builds the partial update from whichever flags were
// actually passed, so an explicit empty value still clears a field.
func patchFromFlags(cmd *cobra.Command) task.Patch {
	var p task.Patch
	if cmd.Flags().Changed("title") {
		p.Title = &updateTitle
	}
	if cmd.Flags().Changed("desc") {
		p.Description = &updateDesc
	}
	if cmd.Flags().Changed("notes") {
		p.Notes = &updateNotes
	}
	if cmd.Flags().Changed("type") {
		it := task.IssueType(updateType)
		p.IssueType = &it
	}
	if cmd.Flags().Changed("priority") {
		p.Priority = &updatePriority
	}
	if cmd.Flags().Changed("status") {
		st := task.Status(updateStatus)
		p.Status = &st
	}
	if cmd.Flags().Changed("assignee") {
		p.Assignee = &updateAssignee
	}
	if cmd.Flags().Changed("labels") {
		p.Labels = &updateLabels
	}
	return p
}

func runUpdate(cmd *cobra.Command, args []string) error {
	p := patchFromFlags(cmd)
	if p == (task.Patch{}) {
		return fault.New(fault.Validation, "nothing to update; pass at least one field flag")
	}

	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	store, err := openTaskStore(stateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	updated, err := store.Update(context.Background(), args[0], p)
	if err != nil {
		return err
	}

	if updateJSON {
		return printJSON(updated)
	}
	fmt.Printf("%s Updated %s\n", style.SuccessPrefix, style.Bold.Render(updated.ID))
	return nil
}
