package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/style"
)

var pauseCmd = &cobra.Command{
	Use:     "pause <session>",
	GroupID: GroupSessions,
	Short:   "Pause a working session",
	Long: `Capture a working session's terminal tail, kill the terminal, and
keep the task claim. 'sq resume' brings it back where it left off.

EXAMPLES:
  sq pause squad-AlphaGlade`,
	Args: cobra.ExactArgs(1),
	RunE: runPause,
}

var resumeCmd = &cobra.Command{
	Use:     "resume <session> [text...]",
	GroupID: GroupSessions,
	Short:   "Resume a paused session",
	Long: `Bring a paused session back in a fresh terminal. Extra arguments are
typed into the new terminal once the agent is up, e.g. an answer to the
question the agent was paused on.

EXAMPLES:
  sq resume squad-AlphaGlade
  sq resume squad-AlphaGlade use the staging database for the migration`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}

func runPause(cmd *cobra.Command, args []string) error {
	client, err := newGatewayClient()
	if err != nil {
		return err
	}
	sess, err := client.Pause(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s Paused %s\n", style.SuccessPrefix, style.Bold.Render(sess.Name))
	if sess.Task != "" {
		fmt.Printf("  task %s stays claimed\n", sess.Task)
	}
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	client, err := newGatewayClient()
	if err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")
	sess, err := client.Resume(context.Background(), args[0], text)
	if err != nil {
		return err
	}
	fmt.Printf("%s Resumed %s\n", style.SuccessPrefix, style.Bold.Render(sess.Name))
	return nil
}
