package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/signal"
	"github.com/squadhq/squad/internal/style"
)

var (
	signalSession string
	signalTask    string
	signalData    string
)

var signalCmd = &cobra.Command{
	Use:     "signal <kind> [message]",
	GroupID: GroupSessions,
	Short:   "Emit a lifecycle signal (for use inside sessions)",
	Long: `Post one lifecycle signal to the serve loop. Spawned sessions have
SQUAD_SESSION, SQUAD_TASK, and SQUAD_GATEWAY in their environment, so an
agent just runs 'sq signal working' at the right moments.

Kinds: starting, working, review, reply, completing, complete, paused, dead.

The message argument fills the payload's message field, which reply
signals relay to the chat thread. --data merges extra JSON fields into
the payload.

EXAMPLES:
  sq signal working
  sq signal reply "deployed to staging, checking logs now"
  sq signal complete --data '{"completionMode":"auto_proceed"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSignal,
}

func init() {
	signalCmd.Flags().StringVar(&signalSession, "session", "", "session name (default $SQUAD_SESSION)")
	signalCmd.Flags().StringVar(&signalTask, "task", "", "task id (default $SQUAD_TASK)")
	signalCmd.Flags().StringVar(&signalData, "data", "", "extra payload fields as JSON")
	rootCmd.AddCommand(signalCmd)
}

func runSignal(cmd *cobra.Command, args []string) error {
	kind := signal.Kind(args[0])
	if !signal.ValidKind(kind) {
		return fault.Errorf(fault.Validation, "unknown signal kind %q", args[0])
	}

	session := signalSession
	if session == "" {
		session = os.Getenv("SQUAD_SESSION")
	}
	if session == "" {
		return fault.New(fault.Validation, "no session: set SQUAD_SESSION or pass --session")
	}
	taskID := signalTask
	if taskID == "" {
		taskID = os.Getenv("SQUAD_TASK")
	}

	payload := map[string]interface{}{"session": session}
	if taskID != "" {
		payload["task"] = taskID
	}
	if len(args) == 2 && strings.TrimSpace(args[1]) != "" {
		payload["message"] = args[1]
	}
	if signalData != "" {
		var extra map[string]interface{}
		if err := json.Unmarshal([]byte(signalData), &extra); err != nil {
			return fault.Wrap(fault.Validation, err, "parsing --data")
		}
		for k, v := range extra {
			payload[k] = v
		}
	}

	client, err := newGatewayClient()
	if err != nil {
		return err
	}
	seq, deduped, err := client.PublishSignal(context.Background(), kind, payload)
	if err != nil {
		return err
	}
	if deduped {
		fmt.Printf("%s %s already seen (seq %d)\n", style.Dim.Render("·"), kind, seq)
		return nil
	}
	fmt.Printf("%s Sent %s (seq %d)\n", style.SuccessPrefix, kind, seq)
	return nil
}
