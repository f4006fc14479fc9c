package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:     "version",
	GroupID: GroupDiag,
	Short:   "Show version information",
	Args:    cobra.NoArgs,
	RunE:    runVersion,
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(versionCmd)
}

// serveState pings the gateway: "up", "down", or "" outside a
// workspace.
func serveState() string {
	client, err := newGatewayClient()
	if err != nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if client.Health(ctx) != nil {
		return "down"
	}
	return "up"
}

func runVersion(cmd *cobra.Command, args []string) error {
	server := serveState()
	if versionJSON {
		out := map[string]string{
			"version": version.Version,
			"commit":  version.ResolveCommit(),
			"date":    version.Date,
		}
		if server != "" {
			out["server"] = server
		}
		return printJSON(out)
	}
	fmt.Printf("sq %s\n", version.String())
	if server != "" {
		fmt.Printf("  server: %s\n", server)
	}
	return nil
}
