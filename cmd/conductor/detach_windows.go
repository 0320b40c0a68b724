//go:build windows

package main

import "os/exec"

// setDetached is a no-op on windows; the child still runs independently of
// the parent's console once started.
func setDetached(cmd *exec.Cmd) {}
