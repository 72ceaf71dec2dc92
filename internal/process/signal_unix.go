//go:build !windows

package process

import "syscall"

// signalGroup sends a signal to every process in the group led by pid.
func signalGroup(pid int, signal syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, signal)
}
