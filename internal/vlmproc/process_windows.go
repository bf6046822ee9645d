//go:build windows

package vlmproc

import (
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {}

func terminate(pid int, sig syscall.Signal) error {
	return nil
}
