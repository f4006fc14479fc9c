package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/term"
	"github.com/squadhq/squad/internal/ui"
)

var attachPrint bool

var attachCmd = &cobra.Command{
	Use:     "attach <session>",
	GroupID: GroupSessions,
	Short:   "Attach your terminal to a session",
	Long: `Attach to a running session's terminal to watch or steer the agent.
Detach with the multiplexer's detach key (ctrl-b d for tmux).

Outside a terminal, or with --print, the attach command is printed
instead of run.

EXAMPLES:
  sq attach squad-AlphaGlade
  sq attach squad-AlphaGlade --print`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().BoolVar(&attachPrint, "print", false, "print the attach command instead of running it")
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	client, err := newGatewayClient()
	if err != nil {
		return err
	}

	// The server checks the session exists and is attachable.
	attachCommand, err := client.AttachCommand(context.Background(), args[0])
	if err != nil {
		return err
	}

	if attachPrint || !ui.IsTerminal() || !ui.IsInputTerminal() {
		fmt.Println(attachCommand)
		return nil
	}
	return term.NewTmux().Attach(args[0])
}
