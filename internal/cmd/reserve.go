package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/reserve"
	"github.com/squadhq/squad/internal/style"
)

var (
	reserveListJSON     bool
	reserveReleasePath  string
	reserveReleaseAgent string
)

var reserveCmd = &cobra.Command{
	Use:     "reserve",
	GroupID: GroupSessions,
	Short:   "Inspect and release file reservations",
	Long: `File reservations give one agent exclusive claim on a path while it
works. The supervisor releases them when sessions end; these commands
are for looking around and for cleaning up by hand.

EXAMPLES:
  sq reserve list
  sq reserve list AlphaGlade
  sq reserve release --agent AlphaGlade
  sq reserve release --path src/auth/login.ts`,
	RunE: requireSubcommand,
}

var reserveListCmd = &cobra.Command{
	Use:   "list [agent]",
	Short: "List reservations, optionally for one agent",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReserveList,
}

var reserveReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release reservations by agent or by path",
	Args:  cobra.NoArgs,
	RunE:  runReserveRelease,
}

func init() {
	reserveListCmd.Flags().BoolVar(&reserveListJSON, "json", false, "print as JSON")
	reserveReleaseCmd.Flags().StringVar(&reserveReleaseAgent, "agent", "", "release everything this agent holds")
	reserveReleaseCmd.Flags().StringVar(&reserveReleasePath, "path", "", "release one path")
	reserveCmd.AddCommand(reserveListCmd)
	reserveCmd.AddCommand(reserveReleaseCmd)
	rootCmd.AddCommand(reserveCmd)
}

func runReserveList(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	ledger, err := openLedger(stateDir)
	if err != nil {
		return err
	}

	agentName := ""
	if len(args) == 1 {
		agentName = args[0]
	}
	reservations := ledger.List(agentName)

	if reserveListJSON {
		if reservations == nil {
			reservations = []*reserve.Reservation{}
		}
		return printJSON(reservations)
	}
	if len(reservations) == 0 {
		fmt.Println("No reservations held.")
		return nil
	}

	tbl := newTable(
		style.Column{Name: "PATH", Width: 44},
		style.Column{Name: "AGENT", Width: 16},
		style.Column{Name: "TASK", Width: 16},
		style.Column{Name: "HELD", Width: 5, Align: style.AlignRight},
	)
	for _, r := range reservations {
		taskID := r.Task
		if taskID == "" {
			taskID = "-"
		}
		tbl.AddRow(r.Path, r.Agent, taskID, age(r.AcquiredAt))
	}
	fmt.Print(tbl.Render())
	return nil
}

func runReserveRelease(cmd *cobra.Command, args []string) error {
	if (reserveReleaseAgent == "") == (reserveReleasePath == "") {
		return fault.New(fault.Validation, "pass exactly one of --agent or --path")
	}

	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	ledger, err := openLedger(stateDir)
	if err != nil {
		return err
	}

	if reserveReleaseAgent != "" {
		n, err := ledger.Release(reserveReleaseAgent)
		if err != nil {
			return err
		}
		fmt.Printf("%s Released %d reservation(s) held by %s\n", style.SuccessPrefix, n, reserveReleaseAgent)
		return nil
	}

	released, err := ledger.ReleasePath(reserveReleasePath)
	if err != nil {
		return err
	}
	if !released {
		fmt.Printf("Nothing held %s\n", reserveReleasePath)
		return nil
	}
	fmt.Printf("%s Released %s\n", style.SuccessPrefix, reserveReleasePath)
	return nil
}
