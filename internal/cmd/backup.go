package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/squadhq/squad/internal/backup"
	"github.com/squadhq/squad/internal/style"
	"github.com/squadhq/squad/internal/supervisor"
)

var (
	backupLabel string
	backupJSON  bool
)

var backupCmd = &cobra.Command{
	Use:     "backup",
	GroupID: GroupWorkspace,
	Short:   "Back up the task and agent stores",
	Long: `Copy the stores into a timestamped directory under .squad/backups/,
with a SHA-256 digest per file. 'sq rollback' restores one.

EXAMPLES:
  sq backup
  sq backup --label before-refactor
  sq backup list
  sq backup verify latest`,
	Args: cobra.NoArgs,
	RunE: runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify [dir|latest]",
	Short: "Recompute and check a backup's digests",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackupVerify,
}

func init() {
	backupCmd.Flags().StringVarP(&backupLabel, "label", "l", "", "name fragment for the backup directory")
	backupListCmd.Flags().BoolVar(&backupJSON, "json", false, "print as JSON")
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	rootCmd.AddCommand(backupCmd)
}

// openBackupManager opens both stores and wraps them in a Manager.
// The returned closer releases the stores; Restore closes them itself.
func openBackupManager(stateDir string) (*backup.Manager, func(), error) {
	tasks, err := openTaskStore(stateDir)
	if err != nil {
		return nil, nil, err
	}
	agents, err := openRegistry(stateDir)
	if err != nil {
		tasks.Close()
		return nil, nil, err
	}
	m := backup.New(backup.Config{
		StateDir: stateDir,
		Tasks:    tasks,
		Agents:   agents,
		// The snapshot is the only view of sessions from outside the
		// serve process; a crashed serve can leave live terminals behind.
		Active: func() int { return supervisor.CountActive(stateDir) },
	})
	closer := func() {
		tasks.Close()
		agents.Close()
	}
	return m, closer, nil
}

// resolveBackupDir turns a user argument into a backup directory path.
// Empty or "latest" means the newest backup; a bare name is looked up
// under .squad/backups/.
func resolveBackupDir(m *backup.Manager, stateDir, arg string) (string, error) {
	if arg == "" || arg == "latest" {
		info, err := m.Latest()
		if err != nil {
			return "", err
		}
		return info.Dir, nil
	}
	if filepath.IsAbs(arg) {
		return arg, nil
	}
	candidate := filepath.Join(stateDir, backup.DirName, arg)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return arg, nil
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	m, closer, err := openBackupManager(stateDir)
	if err != nil {
		return err
	}
	defer closer()

	info, err := m.Backup(context.Background(), backupLabel)
	if err != nil {
		return err
	}
	fmt.Printf("%s Backed up to %s\n", style.SuccessPrefix, info.Dir)
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	m, closer, err := openBackupManager(stateDir)
	if err != nil {
		return err
	}
	defer closer()

	infos, err := m.List()
	if err != nil {
		return err
	}
	if backupJSON {
		if infos == nil {
			infos = []backup.Info{}
		}
		return printJSON(infos)
	}
	if len(infos) == 0 {
		fmt.Println("No backups yet. Create one with 'sq backup'.")
		return nil
	}

	tbl := newTable(
		style.Column{Name: "CREATED", Width: 19},
		style.Column{Name: "LABEL", Width: 20},
		style.Column{Name: "DIR", Width: 48},
	)
	for _, info := range infos {
		label := info.Label
		if label == "" {
			label = "-"
		}
		tbl.AddRow(info.CreatedAt.Format(time.DateTime), label, info.Dir)
	}
	fmt.Print(tbl.Render())
	return nil
}

func runBackupVerify(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	m, closer, err := openBackupManager(stateDir)
	if err != nil {
		return err
	}
	defer closer()

	arg := ""
	if len(args) == 1 {
		arg = args[0]
	}
	dir, err := resolveBackupDir(m, stateDir, arg)
	if err != nil {
		return err
	}
	if err := m.Verify(dir); err != nil {
		return err
	}
	fmt.Printf("%s %s verifies clean\n", style.SuccessPrefix, dir)
	return nil
}
