//go:build !windows

package vlmproc

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup configures cmd to start in its own process group, so a
// SIGTERM (or escalated SIGKILL) sent by terminate() reaches any
// grandchildren the VLM server forks rather than orphaning them.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends sig to the process group rooted at pid.
func terminate(pid int, sig syscall.Signal) error {
	return unix.Kill(-pid, sig)
}
