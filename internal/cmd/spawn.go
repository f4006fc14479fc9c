package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/style"
	"github.com/squadhq/squad/internal/supervisor"
)

var (
	spawnAgent  string
	spawnMode   string
	spawnPrompt string
	spawnJSON   bool
)

var spawnCmd = &cobra.Command{
	Use:     "spawn [task-id]",
	GroupID: GroupSessions,
	Short:   "Spawn an agent session",
	Long: `Ask the running serve loop to spawn an agent in a fresh terminal
session. Without a task id, the best ready task is claimed; chat and
plan sessions take no task at all.

EXAMPLES:
  sq spawn                          # work the best ready task
  sq spawn demo-4fa3                # work a specific task
  sq spawn --agent BirchBay         # reuse a named agent
  sq spawn --mode chat --prompt "how does the scheduler pick tasks?"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSpawn,
}

func init() {
	spawnCmd.Flags().StringVarP(&spawnAgent, "agent", "a", "", "agent name (default: invented)")
	spawnCmd.Flags().StringVarP(&spawnMode, "mode", "m", "", "session mode: work, chat, or plan (default work)")
	spawnCmd.Flags().StringVar(&spawnPrompt, "prompt", "", "extra instructions for the startup prompt")
	spawnCmd.Flags().BoolVar(&spawnJSON, "json", false, "print the session as JSON")
	rootCmd.AddCommand(spawnCmd)
}

func runSpawn(cmd *cobra.Command, args []string) error {
	client, err := newGatewayClient()
	if err != nil {
		return err
	}

	req := supervisor.SpawnRequest{
		Agent:  spawnAgent,
		Mode:   supervisor.Mode(spawnMode),
		Prompt: spawnPrompt,
	}
	if len(args) == 1 {
		req.Task = args[0]
	}

	sess, err := client.Spawn(context.Background(), req)
	if err != nil {
		return err
	}

	if spawnJSON {
		return printJSON(sess)
	}
	fmt.Printf("%s Spawned %s (%s)\n", style.SuccessPrefix, style.Bold.Render(sess.Name), sess.Mode)
	if sess.Task != "" {
		fmt.Printf("  task: %s\n", sess.Task)
	}
	fmt.Printf("  watch it: %s\n", style.Dim.Render("sq attach "+sess.Name))
	return nil
}
