//go:build !windows

package main

import (
	"os/exec"
	"strconv"
	"syscall"

	"github.com/google/renameio/v2"
)

// configureDaemonAttrs detaches the child into its own session.
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}

// writePidFile replaces pidFile atomically so readers never see a partial pid.
func writePidFile(pidFile string, pid int) error {
	return renameio.WriteFile(pidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}
