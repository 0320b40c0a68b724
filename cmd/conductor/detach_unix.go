//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// setDetached puts the conductor daemon in its own session so it survives
// the launching shell exiting.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
