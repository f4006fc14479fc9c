package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/style"
	"github.com/squadhq/squad/internal/supervisor"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	GroupID: GroupSessions,
	Short:   "List agent sessions",
	Long: `List every session the serve loop knows about, including recently
completed ones still inside their grace window.

EXAMPLES:
  sq sessions
  sq sessions --json`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(sessionsCmd)
}

// stateLabel renders a session state with its conventional color.
func stateLabel(s supervisor.State) string {
	switch s {
	case supervisor.StateWorking:
		return style.Success.Render(string(s))
	case supervisor.StateReview, supervisor.StatePaused:
		return style.Warning.Render(string(s))
	case supervisor.StateDead:
		return style.Error.Render(string(s))
	case supervisor.StateComplete:
		return style.Dim.Render(string(s))
	}
	return string(s)
}

func runSessions(cmd *cobra.Command, args []string) error {
	client, err := newGatewayClient()
	if err != nil {
		return err
	}

	sessions, err := client.Sessions(context.Background())
	if err != nil {
		return err
	}

	if sessionsJSON {
		if sessions == nil {
			sessions = []*supervisor.Session{}
		}
		return printJSON(sessions)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions. Start one with 'sq spawn'.")
		return nil
	}

	tbl := newTable(
		style.Column{Name: "SESSION", Width: 22},
		style.Column{Name: "STATE", Width: 10},
		style.Column{Name: "MODE", Width: 4},
		style.Column{Name: "TASK", Width: 16},
		style.Column{Name: "LAST SIGNAL", Width: 11, Align: style.AlignRight},
	)
	for _, s := range sessions {
		taskID := s.Task
		if taskID == "" {
			taskID = "-"
		}
		tbl.AddRow(s.Name, stateLabel(s.State), string(s.Mode), taskID, age(s.LastSignalAt))
	}
	fmt.Print(tbl.Render())
	return nil
}
