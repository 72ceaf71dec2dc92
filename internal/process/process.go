package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"
)

// reapGrace bounds the wait for a killed process group to be reaped.
const reapGrace = 500 * time.Millisecond

// ErrNotReaped is returned by Stop and Kill when the process could not be reaped in time.
var ErrNotReaped = errors.New("process did not exit")

// Worker is one started child process. A single waiter goroutine reaps it and
// closes Done; Stop and Kill only signal and wait on that channel.
type Worker struct {
	spec      Spec
	pid       int
	startedAt time.Time
	done      chan struct{}

	mu        sync.Mutex
	exitErr   error
	stopping  bool // true when Stop or Kill has been requested
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

// Start launches spec in its own process group.
func Start(spec Spec) (*Worker, error) {
	cmd := spec.BuildCommand()
	configureSysProcAttr(cmd)

	outW, errW, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		return nil, err
	}
	if outW != nil {
		cmd.Stdout = outW
	} else {
		cmd.Stdout = os.Stdout
	}
	if errW != nil {
		cmd.Stderr = errW
	} else {
		cmd.Stderr = os.Stderr
	}

	w := &Worker{spec: spec, done: make(chan struct{}), outCloser: outW, errCloser: errW}
	if err := cmd.Start(); err != nil {
		w.closeWriters()
		return nil, fmt.Errorf("start %s: %w", spec.Program, err)
	}
	w.pid = cmd.Process.Pid
	w.startedAt = time.Now()

	go func() {
		err := cmd.Wait()
		w.mu.Lock()
		w.exitErr = err
		w.mu.Unlock()
		w.closeWriters()
		close(w.done)
	}()
	return w, nil
}

// PID returns the OS process id.
func (w *Worker) PID() int { return w.pid }

// StartedAt returns the launch time.
func (w *Worker) StartedAt() time.Time { return w.startedAt }

// Done is closed once the process has exited and been reaped.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Alive reports whether the process has not been reaped yet.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the wait error after the process exited (nil for a clean exit).
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// StopRequested reports whether Stop or Kill has been called.
func (w *Worker) StopRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopping
}

// Stop sends SIGTERM to the process group and waits up to wait for it to exit,
// escalating to SIGKILL afterwards.
func (w *Worker) Stop(wait time.Duration) error {
	if !w.Alive() {
		return nil
	}
	w.setStopping()
	_ = signalGroup(w.pid, syscall.SIGTERM)
	select {
	case <-w.done:
		return nil
	case <-time.After(wait):
	}
	return w.Kill()
}

// Kill sends SIGKILL to the process group and waits briefly for the reap.
func (w *Worker) Kill() error {
	if !w.Alive() {
		return nil
	}
	w.setStopping()
	_ = signalGroup(w.pid, syscall.SIGKILL)
	select {
	case <-w.done:
		return nil
	case <-time.After(reapGrace):
		return fmt.Errorf("%w: pid %d", ErrNotReaped, w.pid)
	}
}

func (w *Worker) setStopping() {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()
}

func (w *Worker) closeWriters() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.outCloser != nil {
		_ = w.outCloser.Close()
		w.outCloser = nil
	}
	if w.errCloser != nil {
		_ = w.errCloser.Close()
		w.errCloser = nil
	}
}
