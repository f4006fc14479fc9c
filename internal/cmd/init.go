package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/config"
	"github.com/squadhq/squad/internal/rules"
	"github.com/squadhq/squad/internal/style"
	"github.com/squadhq/squad/internal/workspace"
)

var initProject string

var initCmd = &cobra.Command{
	Use:     "init [dir]",
	GroupID: GroupWorkspace,
	Short:   "Create a squad workspace in a directory",
	Long: `Create the .squad/ state directory with default config and review rules.

Running init in an existing workspace is safe: missing pieces are
created, existing files are left alone.

EXAMPLES:
  sq init                  # initialize the current directory
  sq init ~/work/acme      # initialize another directory
  sq init --project acme   # set the task id prefix explicitly`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initProject, "project", "", "task id prefix (default: directory name)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	stateDir := workspace.StateDir(root)
	existed := workspace.IsWorkspace(root)

	if err := workspace.EnsureLayout(stateDir); err != nil {
		return err
	}

	configPath := filepath.Join(stateDir, config.FileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg, err := config.Load(stateDir) // defaults + project from dir name
		if err != nil {
			return err
		}
		if initProject != "" {
			cfg.Project = initProject
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		if err := config.Save(stateDir, cfg); err != nil {
			return err
		}
	} else if initProject != "" {
		style.PrintWarning("config.toml already exists, --project ignored")
	}

	rulesPath := filepath.Join(stateDir, rules.FileName)
	if _, err := os.Stat(rulesPath); os.IsNotExist(err) {
		if err := rules.Save(rulesPath, rules.Default()); err != nil {
			return err
		}
	}

	if existed {
		fmt.Printf("%s Workspace at %s already initialized\n", style.SuccessPrefix, root)
	} else {
		fmt.Printf("%s Initialized workspace at %s\n", style.SuccessPrefix, root)
		fmt.Printf("  %s\n", style.Dim.Render(stateDir+"/"))
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  sq create \"first task\"   # queue some work")
		fmt.Println("  sq serve                 # start the orchestrator")
		fmt.Println("  sq spawn                 # put an agent on it")
	}
	return nil
}
