package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/style"
	"github.com/squadhq/squad/internal/task"
)

var (
	createType     string
	createPriority int
	createParent   string
	createAssignee string
	createDeps     []string
	createLabels   []string
	createDesc     string
	createNotes    string
	createFile     string
	createJSON     bool
)

var createCmd = &cobra.Command{
	Use:     "create [title]",
	GroupID: GroupTasks,
	Short:   "Create a task",
	Long: `Create a task, or a batch of tasks from a JSON file.

A batch file holds an array of task specs. Specs may carry a "ref"
field and name earlier refs in "depends_on", so a whole dependency
graph lands in one atomic write.

EXAMPLES:
  sq create "fix login redirect"
  sq create "ship v2 api" --type epic --priority 1
  sq create "write docs" --deps demo-4fa3 --labels docs,backend
  sq create --file tasks.json
  sq create --file - < tasks.json`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createType, "type", "t", "", "issue type (bug|feature|task|chore|epic)")
	createCmd.Flags().IntVarP(&createPriority, "priority", "p", task.DefaultPriority, "priority 0 (urgent) to 4")
	createCmd.Flags().StringVar(&createParent, "parent", "", "parent task id")
	createCmd.Flags().StringVar(&createAssignee, "assignee", "", "agent to assign")
	createCmd.Flags().StringSliceVar(&createDeps, "deps", nil, "dependency task ids")
	createCmd.Flags().StringSliceVar(&createLabels, "labels", nil, "labels")
	createCmd.Flags().StringVarP(&createDesc, "desc", "d", "", "description")
	createCmd.Flags().StringVar(&createNotes, "notes", "", "notes")
	createCmd.Flags().StringVarP(&createFile, "file", "f", "", "JSON file with an array of task specs (- for stdin)")
	createCmd.Flags().BoolVar(&createJSON, "json", false, "print created tasks as JSON")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
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

	if createFile != "" {
		if len(args) > 0 {
			return fault.New(fault.Validation, "give a title or --file, not both")
		}
		return createFromFile(ctx, store, createFile)
	}

	if len(args) != 1 {
		return fault.New(fault.Validation, "create takes exactly one title (quote it)")
	}

	created, err := store.Create(ctx, task.CreateSpec{
		Title:       args[0],
		Description: createDesc,
		Notes:       createNotes,
		IssueType:   task.IssueType(createType),
		Priority:    createPriority,
		Parent:      createParent,
		Assignee:    createAssignee,
		DependsOn:   createDeps,
		Labels:      createLabels,
	})
	if err != nil {
		return err
	}

	if createJSON {
		return printJSON(created)
	}
	fmt.Printf("%s Created %s: %s\n", style.SuccessPrefix, style.Bold.Render(created.ID), created.Title)
	return nil
}

func createFromFile(ctx context.Context, store *task.Store, path string) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fault.Wrap(fault.Validation, err, "reading spec file")
	}

	var specs []task.CreateSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return fault.Wrap(fault.Validation, err, "parsing spec file (want a JSON array)")
	}

	created, err := store.CreateBulk(ctx, specs)
	if err != nil {
		return err
	}

	if createJSON {
		return printJSON(created)
	}
	fmt.Printf("%s Created %d task(s)\n", style.SuccessPrefix, len(created))
	for _, t := range created {
		fmt.Printf("  %s  %s\n", style.Bold.Render(t.ID), t.Title)
	}
	return nil
}
