package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/loykin/autoexec/internal/definition"
	"github.com/loykin/autoexec/internal/executor"
	"github.com/loykin/autoexec/internal/metrics"
	"github.com/loykin/autoexec/internal/status"
)

const (
	DefaultCheckInterval     = 30 * time.Second
	DefaultWorkerStopTimeout = 4 * time.Second
)

var (
	ErrCloneFailed = errors.New("clone failed")
	ErrPanic       = errors.New("supervisor panicked")
)

// VCS is the subset of git operations a supervisor needs. *vcs.Git satisfies it.
type VCS interface {
	IsCheckout(path string) bool
	Clone(ctx context.Context, url, branch, path string) error
	Fetch(ctx context.Context, path string) error
	Head(ctx context.Context, path string) (string, error)
	RemoteHead(ctx context.Context, path, branch string) (string, error)
	Pull(ctx context.Context, path, branch string) error
}

// Worker is a running script instance.
type Worker interface {
	PID() int
	Done() <-chan struct{}
	Stop(wait time.Duration) error
	Kill() error
}

// Launcher starts the declared script of a checkout.
type Launcher interface {
	Launch(def definition.Definition, script string) (Worker, error)
}

// Transition describes one observed state change.
type Transition struct {
	Definition definition.Definition
	From       status.State
	To         status.State
	ScriptPID  int
	Script     string
}

type Options struct {
	CheckInterval     time.Duration
	WorkerStopTimeout time.Duration
	EntryFile         string
	// OnTransition is called after every state change, outside the store lock.
	OnTransition func(Transition)
}

// Supervisor keeps one service's checkout current and its script running.
type Supervisor struct {
	def      definition.Definition
	store    *status.Store
	vcs      VCS
	launcher Launcher
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	worker Worker
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	// pending is set while a detected update has not been pulled; only the Run
	// goroutine touches it.
	pending bool
}

func New(def definition.Definition, store *status.Store, v VCS, l Launcher, opts Options, logger *slog.Logger) *Supervisor {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.WorkerStopTimeout <= 0 {
		opts.WorkerStopTimeout = DefaultWorkerStopTimeout
	}
	if opts.EntryFile == "" {
		opts.EntryFile = DefaultEntryFile
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{def: def, store: store, vcs: v, launcher: l, opts: opts, logger: logger, done: make(chan struct{})}
}

// InitialStatus is the record a new supervisor starts from.
func InitialStatus(def definition.Definition, managerPID int) status.ServiceStatus {
	return status.ServiceStatus{
		State:      status.StateInitializing,
		URL:        def.URL,
		Branch:     def.Branch,
		RepoPath:   def.Path,
		ManagerPID: managerPID,
		Logs:       []string{},
	}
}

func (s *Supervisor) Definition() definition.Definition { return s.def }

// Start runs the supervisor in its own goroutine until ctx is cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go func() {
		defer close(s.done)
		err := s.Run(cctx)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
}

// Stop requests a graceful exit. It does not wait; use Done.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the goroutine started by Start has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Err is the reason Run returned, nil for a requested stop.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Kill force-terminates the current worker, if any.
func (s *Supervisor) Kill() {
	if w := s.current(); w != nil {
		if err := w.Kill(); err != nil {
			s.logger.Warn("force kill of script failed", "pid", w.PID(), "error", err)
		}
	}
}

// Run executes the state machine in the calling goroutine.
func (s *Supervisor) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervisor panicked", "panic", r, "stack", string(debug.Stack()))
			s.Kill()
			s.setWorker(nil)
			s.transition(status.StateFailed, clearPID)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	s.notify("", status.StateInitializing, 0, "")
	s.transition(status.StateCloning, nil)
	if !s.vcs.IsCheckout(s.def.Path) {
		s.logger.Info("cloning repository", "url", s.def.URL, "branch", s.def.Branch, "path", s.def.Path)
		if cerr := s.vcs.Clone(ctx, s.def.URL, s.def.Branch, s.def.Path); cerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("failed to clone repository", "error", cerr)
			s.transition(status.StateFailed, nil)
			return fmt.Errorf("%w: %v", ErrCloneFailed, cerr)
		}
	} else {
		s.logger.Info("using existing checkout", "path", s.def.Path)
	}

	for {
		s.cycle(ctx)
		if !sleep(ctx, s.opts.CheckInterval) {
			s.shutdownWorker()
			return nil
		}
	}
}

func (s *Supervisor) cycle(ctx context.Context) {
	update := s.updateAvailable(ctx)
	if ctx.Err() != nil {
		return
	}

	if w := s.current(); w != nil && exited(w) {
		s.setWorker(nil)
		if stopRequested(w) {
			s.logger.Info("script exited after stop request", exitAttrs(w)...)
			s.store.Update(s.def.ID(), clearPID)
		} else {
			s.logger.Warn("script has terminated unexpectedly, restarting", exitAttrs(w)...)
			metrics.IncCrash(s.def.Name())
			s.transition(status.StateCrashed, clearPID)
		}
	}

	if update {
		s.transition(status.StateUpdating, nil)
		s.logger.Info("update found, pulling changes", "branch", s.def.Branch)
		if w := s.current(); w != nil {
			s.logger.Info("terminating running script", "pid", w.PID())
			if err := w.Stop(s.opts.WorkerStopTimeout); err != nil {
				s.logger.Warn("script did not exit cleanly", "pid", w.PID(), "error", err)
			}
			s.setWorker(nil)
			s.store.Update(s.def.ID(), clearPID)
		}
		if err := s.vcs.Pull(ctx, s.def.Path, s.def.Branch); err != nil {
			s.pending = true
			s.gitFailure(slog.LevelError, "failed to pull updates, retrying later", err)
			return
		}
		s.pending = false
		metrics.IncUpdate(s.def.Name())
	}

	if s.current() == nil {
		s.launch()
	}
}

// updateAvailable reports whether the remote branch head differs from the local
// one. A failed fetch falls back to the last fetched remote ref, and an update
// whose pull failed stays available until a pull succeeds.
func (s *Supervisor) updateAvailable(ctx context.Context) bool {
	if err := s.vcs.Fetch(ctx, s.def.Path); err != nil {
		s.gitFailure(slog.LevelWarn, "fetch failed, comparing with last fetched revision", err)
	}
	if s.pending {
		return true
	}
	local, err := s.vcs.Head(ctx, s.def.Path)
	if err != nil {
		s.gitFailure(slog.LevelWarn, "cannot read local revision", err)
		return false
	}
	remote, err := s.vcs.RemoteHead(ctx, s.def.Path, s.def.Branch)
	if err != nil {
		s.gitFailure(slog.LevelWarn, "cannot read remote revision", err, "branch", s.def.Branch)
		return false
	}
	return local != remote
}

// gitFailure logs a failed git step, naming a missing git executable explicitly.
func (s *Supervisor) gitFailure(level slog.Level, msg string, err error, attrs ...any) {
	if executor.IsNotFound(err) {
		level = slog.LevelError
		msg += ": git executable not found"
	}
	s.logger.Log(context.Background(), level, msg, append(attrs, "error", err)...)
}

func (s *Supervisor) launch() {
	script, err := ReadEntryPoint(s.def.Path, s.opts.EntryFile)
	if script != "" {
		s.store.Update(s.def.ID(), func(st *status.ServiceStatus) { st.ScriptToRun = script })
	}
	if err != nil {
		s.logger.Error("cannot determine script to run", "error", err)
		return
	}
	s.logger.Info("starting script", "script", script)
	w, err := s.launcher.Launch(s.def, script)
	if err != nil {
		s.logger.Error("failed to start script", "script", script, "error", err)
		return
	}
	s.setWorker(w)
	metrics.IncLaunch(s.def.Name())
	pid := w.PID()
	s.transition(status.StateRunning, func(st *status.ServiceStatus) {
		st.ScriptPID = status.PID(pid)
		st.ScriptToRun = script
	})
}

func (s *Supervisor) shutdownWorker() {
	w := s.current()
	if w == nil {
		return
	}
	s.logger.Info("stopping script", "pid", w.PID())
	if err := w.Stop(s.opts.WorkerStopTimeout); err != nil {
		s.logger.Warn("script did not exit cleanly", "pid", w.PID(), "error", err)
	}
	s.setWorker(nil)
	s.store.Update(s.def.ID(), clearPID)
}

// transition moves the record to state `to` and applies mutate in the same
// critical section, then reports the change. A record that was removed
// meanwhile is left alone.
func (s *Supervisor) transition(to status.State, mutate func(*status.ServiceStatus)) {
	var from status.State
	var pid int
	var script string
	ok := s.store.Update(s.def.ID(), func(st *status.ServiceStatus) {
		from = st.State
		st.State = to
		if mutate != nil {
			mutate(st)
		}
		if st.ScriptPID != nil {
			pid = *st.ScriptPID
		}
		script = st.ScriptToRun
	})
	if !ok || from == to {
		return
	}
	s.logger.Debug("state changed", "from", from, "to", to)
	s.notify(from, to, pid, script)
}

func (s *Supervisor) notify(from, to status.State, pid int, script string) {
	metrics.RecordStateTransition(s.def.Name(), string(from), string(to))
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(Transition{Definition: s.def, From: from, To: to, ScriptPID: pid, Script: script})
	}
}

func (s *Supervisor) current() Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker
}

func (s *Supervisor) setWorker(w Worker) {
	s.mu.Lock()
	s.worker = w
	s.mu.Unlock()
}

func clearPID(st *status.ServiceStatus) { st.ScriptPID = nil }

// exitAttrs describes a finished worker for logging. *process.Worker also
// reports its exit status and start time.
func exitAttrs(w Worker) []any {
	attrs := []any{"pid", w.PID()}
	if r, ok := w.(interface{ ExitErr() error }); ok {
		if err := r.ExitErr(); err != nil {
			attrs = append(attrs, "exit", err.Error())
		} else {
			attrs = append(attrs, "exit", "0")
		}
	}
	if r, ok := w.(interface{ StartedAt() time.Time }); ok && !r.StartedAt().IsZero() {
		attrs = append(attrs, "uptime", time.Since(r.StartedAt()).Round(time.Millisecond).String())
	}
	return attrs
}

// stopRequested reports whether the worker was told to stop or be killed, as
// *process.Worker records. Such an exit is not a crash.
func stopRequested(w Worker) bool {
	r, ok := w.(interface{ StopRequested() bool })
	return ok && r.StopRequested()
}

func exited(w Worker) bool {
	select {
	case <-w.Done():
		return true
	default:
		return false
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
