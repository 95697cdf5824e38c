//go:build unix

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"
)

// detach puts the child in its own process group so the whole tree can be
// killed together.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree sends SIGKILL to the child's process group. The group outlives
// its leader while any member is alive, so this is sent even after the
// leader has been reaped. ESRCH means no member is left.
func killTree(cmd *exec.Cmd) error {
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
