//go:build !windows

package term

import (
	"time"

	"golang.org/x/sys/unix"
)

// killProcessGroup terminates the process group led by pid: SIGTERM
// first, then SIGKILL for anything that ignored it. Best-effort; the
// group may already be gone by the time we signal.
func killProcessGroup(pid int) {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		return
	}
	time.Sleep(200 * time.Millisecond)
	_ = unix.Kill(-pgid, unix.SIGKILL)
}
