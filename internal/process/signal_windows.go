//go:build windows

package process

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// signalGroup ends the worker and its children with taskkill /T; SIGKILL adds
// /F. When taskkill cannot run, only the worker itself is terminated.
func signalGroup(pid int, signal syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	args := []string{"/T", "/PID", strconv.Itoa(pid)}
	if signal == syscall.SIGKILL {
		args = append([]string{"/F"}, args...)
	}
	// #nosec G204
	if err := exec.Command("taskkill", args...).Run(); err == nil {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		// already gone
		return nil
	}
	return p.Kill()
}
