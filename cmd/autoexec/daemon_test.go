package main

import (
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"testing"
)

func TestDaemonArgs(t *testing.T) {
	in := []string{"serve", "--daemonize", "--logfile", "/tmp/x.log", "--listen=:8000", "--logfile=/tmp/y.log", "cfg.toml"}
	got := daemonArgs(in)
	want := []string{"serve", "--listen=:8000", "cfg.toml"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("daemonArgs = %v, want %v", got, want)
	}
}

func TestPidFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pidfile permissions differ on windows")
	}
	pidFile := filepath.Join(t.TempDir(), "autoexec.pid")

	if err := writePidFile(pidFile, 4242); err != nil {
		t.Fatalf("writePidFile failed: %v", err)
	}
	b, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatal(err)
	}
	if pid, _ := strconv.Atoi(strings.TrimSpace(string(b))); pid != 4242 {
		t.Errorf("pidfile holds %q", b)
	}

	// overwrite in place
	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatal(err)
	}
	b, _ = os.ReadFile(pidFile)
	if strings.TrimSpace(string(b)) != strconv.Itoa(os.Getpid()) {
		t.Errorf("pidfile not replaced: %q", b)
	}

	if err := removePidFile(pidFile); err != nil {
		t.Errorf("removePidFile failed: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("PID file was not removed")
	}
	if err := removePidFile(pidFile); err != nil {
		t.Errorf("removing a missing pidfile should succeed: %v", err)
	}
	if err := removePidFile(""); err != nil {
		t.Error(err)
	}
}
