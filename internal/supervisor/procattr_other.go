//go:build !unix

package supervisor

import "os/exec"

func detach(*exec.Cmd) {}

func killTree(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
