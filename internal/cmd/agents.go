package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/agent"
	"github.com/squadhq/squad/internal/style"
)

var (
	agentsJSON   bool
	agentsActive time.Duration
	agentsPurge  time.Duration
)

var agentsCmd = &cobra.Command{
	Use:     "agents",
	GroupID: GroupSessions,
	Short:   "List registered agents",
	Long: `List every agent that has ever been spawned in this workspace, with
the program it runs and when it was last active.

--active narrows the list to agents seen within a window. --purge
removes agents idle longer than a window; a purged name goes back into
the pool for future spawns.

EXAMPLES:
  sq agents
  sq agents --json
  sq agents --active 24h
  sq agents --purge 720h`,
	RunE: runAgents,
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "print as JSON")
	agentsCmd.Flags().DurationVar(&agentsActive, "active", 0, "only agents active within this window")
	agentsCmd.Flags().DurationVar(&agentsPurge, "purge", 0, "remove agents idle longer than this window")
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	reg, err := openRegistry(stateDir)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx := context.Background()

	if agentsPurge > 0 {
		n, err := reg.Purge(ctx, agentsPurge)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d agent(s) idle longer than %s.\n", n, agentsPurge)
		return nil
	}

	var agents []*agent.Agent
	if agentsActive > 0 {
		agents, err = reg.Recent(ctx, agentsActive)
	} else {
		agents, err = reg.List(ctx)
	}
	if err != nil {
		return err
	}

	if agentsJSON {
		if agents == nil {
			agents = []*agent.Agent{}
		}
		return printJSON(agents)
	}
	if len(agents) == 0 {
		if agentsActive > 0 {
			fmt.Printf("No agents active in the last %s.\n", agentsActive)
		} else {
			fmt.Println("No agents yet. 'sq spawn' registers one.")
		}
		return nil
	}

	tbl := newTable(
		style.Column{Name: "NAME", Width: 16},
		style.Column{Name: "PROGRAM", Width: 10},
		style.Column{Name: "MODEL", Width: 20},
		style.Column{Name: "LAST ACTIVE", Width: 11, Align: style.AlignRight},
	)
	for _, a := range agents {
		model := a.Model
		if model == "" {
			model = "-"
		}
		tbl.AddRow(a.Name, a.Program, model, age(a.LastActiveAt))
	}
	fmt.Print(tbl.Render())
	return nil
}
