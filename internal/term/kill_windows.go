//go:build windows

package term

import (
	"os/exec"
	"strconv"
)

// killProcessGroup terminates the process tree rooted at pid. taskkill
// /T is the closest Windows analog to signaling a unix process group.
func killProcessGroup(pid int) {
	_ = exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}
