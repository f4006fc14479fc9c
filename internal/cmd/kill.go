package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/style"
)

var killCmd = &cobra.Command{
	Use:     "kill <session>",
	GroupID: GroupSessions,
	Short:   "Kill a session",
	Long: `Terminate a session's terminal and release its file reservations.
The task keeps its assignee; clear it with 'sq update <id> --assignee ""'
if someone else should pick it up.

EXAMPLES:
  sq kill squad-AlphaGlade`,
	Args: cobra.ExactArgs(1),
	RunE: runKill,
}

func init() {
	rootCmd.AddCommand(killCmd)
}

func runKill(cmd *cobra.Command, args []string) error {
	client, err := newGatewayClient()
	if err != nil {
		return err
	}
	sess, err := client.Kill(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s Killed %s\n", style.SuccessPrefix, style.Bold.Render(sess.Name))
	return nil
}
