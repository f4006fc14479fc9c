package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/telemetry"
)

// Restore replaces both stores with the copies in dir. The backup is
// verified first, a safety backup of the current state is taken, and
// both store handles are closed before their files are overwritten —
// the process should reopen them or exit afterwards.
//
// Live sessions block a restore unless force is set: rolling the task
// store out from under a working agent strands its claim.
func (m *Manager) Restore(ctx context.Context, dir string, force bool) (safety *Info, err error) {
	defer func() { telemetry.RecordBackup(ctx, "restore", err) }()

	fl, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer func() { _ = fl.Unlock() }()

	if _, statErr := os.Stat(dir); statErr != nil {
		return nil, fault.Errorf(fault.NotFound, "backup %s not found", dir)
	}
	if err := m.Verify(dir); err != nil {
		return nil, err
	}

	if m.active != nil && !force {
		if n := m.active(); n > 0 {
			return nil, fault.Errorf(fault.Conflict,
				"%d session(s) are live; pause or kill them first, or force the restore", n)
		}
	}

	safety, err = m.backupLocked(ctx, "pre-rollback")
	if err != nil {
		return nil, fmt.Errorf("taking safety backup: %w", err)
	}

	for _, st := range []Store{m.tasks, m.agents} {
		if err := st.Close(); err != nil {
			m.log.Warn("closing store before restore", zap.Error(err))
		}
	}

	for _, st := range []Store{m.tasks, m.agents} {
		if err := replaceFile(st.Path(), filepath.Join(dir, filepath.Base(st.Path())+backupSuffix)); err != nil {
			return safety, fmt.Errorf("restoring %s: %w", filepath.Base(st.Path()), err)
		}
	}

	m.log.Info("restore complete",
		zap.String("from", dir), zap.String("safety", safety.Dir))
	return safety, nil
}

// replaceFile swaps dst for a copy of src. WAL sidecars of dst are
// removed so a reopened store sees exactly the restored bytes.
func replaceFile(dst, src string) error {
	tmp := dst + ".restoring"
	if _, err := copyWithDigest(src, tmp); err != nil {
		return err
	}
	for _, sidecar := range []string{dst + "-wal", dst + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			_ = os.Remove(tmp)
			return fmt.Errorf("removing %s: %w", sidecar, err)
		}
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
