package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/squadhq/squad/internal/agent"
	"github.com/squadhq/squad/internal/config"
	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/gateway"
	"github.com/squadhq/squad/internal/reserve"
	"github.com/squadhq/squad/internal/style"
	"github.com/squadhq/squad/internal/task"
	"github.com/squadhq/squad/internal/ui"
	"github.com/squadhq/squad/internal/workspace"
)

// GatewayEnv overrides the server address used by session commands.
// Spawned agents get it injected so `sq signal` works inside sessions.
const GatewayEnv = "SQUAD_GATEWAY"

// resolveStateDir locates the .squad/ directory for this invocation.
func resolveStateDir() (string, error) {
	dir, err := workspace.Resolve()
	if err != nil {
		return "", fault.Wrap(fault.NotFound, err, "no workspace here; run 'sq init' first")
	}
	return dir, nil
}

// openTaskStore opens the task store with the workspace's project name.
// Callers must Close it.
func openTaskStore(stateDir string) (*task.Store, error) {
	cfg, err := config.Load(stateDir)
	if err != nil {
		return nil, err
	}
	return task.Open(filepath.Join(stateDir, task.DBFileName), cfg.Project)
}

func openRegistry(stateDir string) (*agent.Registry, error) {
	return agent.Open(filepath.Join(stateDir, agent.DBFileName))
}

func openLedger(stateDir string) (*reserve.Ledger, error) {
	return reserve.Open(filepath.Join(stateDir, reserve.FileName))
}

// gatewayBaseURL picks the server address: SQUAD_GATEWAY when set,
// otherwise the configured listen address. A bare host:port gets an
// http scheme.
func gatewayBaseURL() (string, error) {
	if addr := os.Getenv(GatewayEnv); addr != "" {
		return ensureScheme(addr), nil
	}
	stateDir, err := resolveStateDir()
	if err != nil {
		return "", err
	}
	cfg, err := config.Load(stateDir)
	if err != nil {
		return "", err
	}
	return ensureScheme(cfg.HTTP.Addr), nil
}

func ensureScheme(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "http://" + addr
}

// newGatewayClient connects to the running serve loop.
func newGatewayClient() (*gateway.Client, error) {
	base, err := gatewayBaseURL()
	if err != nil {
		return nil, err
	}
	return gateway.NewClient(base), nil
}

// printJSON writes v as indented JSON to stdout, for --json flags.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// statusLabel renders a task status with its conventional color.
func statusLabel(s task.Status) string {
	switch s {
	case task.StatusOpen:
		return style.Info.Render(string(s))
	case task.StatusInProgress:
		return style.Success.Render(string(s))
	case task.StatusBlocked:
		return style.Warning.Render(string(s))
	case task.StatusClosed:
		return style.Dim.Render(string(s))
	}
	return string(s)
}

// age renders how long ago t was, compactly: 42s, 13m, 5h, 3d.
func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// newTable builds a table tuned for the output mode: indented with a
// header rule on a terminal, flush and bare when piped.
func newTable(columns ...style.Column) *style.Table {
	tbl := style.NewTable(columns...)
	if ui.IsPlainMode() {
		tbl.SetIndent("").SetHeaderSeparator(false)
	}
	return tbl
}

// renderTaskTable prints tasks in the standard list layout.
func renderTaskTable(tasks []*task.Task) {
	tbl := newTable(
		style.Column{Name: "ID", Width: 16},
		style.Column{Name: "P", Width: 1, Align: style.AlignRight},
		style.Column{Name: "TYPE", Width: 7},
		style.Column{Name: "STATUS", Width: 11},
		style.Column{Name: "AGE", Width: 4, Align: style.AlignRight},
		style.Column{Name: "TITLE", Width: 48},
	)
	for _, t := range tasks {
		tbl.AddRow(
			t.ID,
			fmt.Sprintf("%d", t.Priority),
			string(t.IssueType),
			statusLabel(t.Status),
			age(t.CreatedAt),
			t.Title,
		)
	}
	fmt.Print(tbl.Render())
}
