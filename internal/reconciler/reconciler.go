package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/autoexec/internal/definition"
	"github.com/loykin/autoexec/internal/history"
	"github.com/loykin/autoexec/internal/metrics"
	"github.com/loykin/autoexec/internal/status"
	"github.com/loykin/autoexec/internal/supervisor"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultStopTimeout = 5 * time.Second
	// killGrace bounds the wait after a forced kill before the supervisor is abandoned.
	killGrace = time.Second
)

// ErrStopTimeout reports a supervisor that had to be force-killed.
var ErrStopTimeout = errors.New("supervisor did not stop in time")

// Supervisor is the lifecycle contract of one running supervisor.
// *supervisor.Supervisor satisfies it.
type Supervisor interface {
	Start(ctx context.Context)
	Stop()
	Kill()
	Done() <-chan struct{}
	Err() error
}

// Loader returns the desired set of services.
type Loader func() (definition.Set, error)

// Factory builds a supervisor for def. It must not start it.
type Factory func(def definition.Definition) Supervisor

type Options struct {
	Interval    time.Duration
	StopTimeout time.Duration
	ManagerPID  int
	// Trigger forces an extra cycle, e.g. on a definitions file change.
	Trigger <-chan struct{}
	History *history.Recorder
}

// Result lists what one cycle changed, each sorted.
type Result struct {
	Added     []string
	Removed   []string
	Restarted []string
}

func (r Result) Changed() bool {
	return len(r.Added)+len(r.Removed)+len(r.Restarted) > 0
}

type entry struct {
	def definition.Definition
	sup Supervisor
}

// Reconciler converges the running supervisors onto the desired set.
type Reconciler struct {
	opts   Options
	load   Loader
	store  *status.Store
	newSup Factory
	logger *slog.Logger

	// cycle serializes ReconcileOnce and Shutdown.
	cycle   sync.Mutex
	mu      sync.RWMutex
	running map[string]entry
	base    context.Context
}

func New(opts Options, load Loader, store *status.Store, factory Factory, logger *slog.Logger) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		opts:    opts,
		load:    load,
		store:   store,
		newSup:  factory,
		logger:  logger,
		running: make(map[string]entry),
		base:    context.Background(),
	}
}

// Run reconciles immediately, then on every tick or trigger until ctx is done.
// All supervisors are stopped before it returns.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", "interval", r.opts.Interval)
	r.tick(ctx)

	t := time.NewTicker(r.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping", "services", len(r.Running()))
			return r.Shutdown()
		case <-t.C:
			r.tick(ctx)
		case <-r.opts.Trigger:
			r.logger.Info("services file changed, reconciling")
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	res, err := r.ReconcileOnce(ctx)
	if err != nil {
		r.logger.Error("reconcile failed", "error", err)
		return
	}
	if res.Changed() {
		r.logger.Info("reconciled", "added", len(res.Added), "removed", len(res.Removed), "restarted", len(res.Restarted))
	}
}

// ReconcileOnce runs one cycle: removals, then additions, then restarts of
// supervisors that exited on their own. A load error skips the cycle.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Result, error) {
	r.cycle.Lock()
	defer r.cycle.Unlock()
	start := time.Now()
	defer func() { metrics.ObserveReconcileDuration(time.Since(start).Seconds()) }()

	desired, err := r.load()
	switch {
	case err == nil:
	case errors.Is(err, definition.ErrNoServicesFile):
		r.logger.Warn("services file not found, treating as empty", "error", err)
		desired = definition.Set{}
	case errors.Is(err, definition.ErrInvalidLine) && desired != nil:
		r.logger.Warn("skipping invalid services file lines", "error", err)
	default:
		metrics.IncReconcile("error")
		return Result{}, fmt.Errorf("load services: %w", err)
	}

	var res Result
	added, removed := desired.Diff(r.Running())

	if len(removed) > 0 {
		res.Removed = removed
		_ = r.stop(ctx, removed, true)
	}

	for _, id := range added {
		def := desired[id]
		r.logger.Info("starting supervisor", "service", def.Name(), "url", def.URL, "branch", def.Branch, "path", def.Path)
		r.store.Set(id, supervisor.InitialStatus(def, r.opts.ManagerPID))
		r.start(def)
		res.Added = append(res.Added, id)
	}

	for _, id := range r.Running() {
		e, ok := r.get(id)
		def, want := desired[id]
		if !ok || !want || !exited(e.sup) {
			continue
		}
		last, _ := r.store.Get(id)
		if last.State.Terminal() {
			r.logger.Warn("supervisor failed, starting a fresh instance", "service", def.Name(), "error", e.sup.Err())
		} else {
			r.logger.Warn("supervisor exited unexpectedly, restarting", "service", def.Name(), "state", last.State, "error", e.sup.Err())
		}
		r.store.Update(id, func(st *status.ServiceStatus) {
			logs := st.Logs
			*st = supervisor.InitialStatus(def, r.opts.ManagerPID)
			st.Logs = logs
		})
		metrics.IncSupervisorRestart(def.Name())
		r.start(def)
		res.Restarted = append(res.Restarted, id)
	}

	metrics.SetManagedServices(len(r.Running()))
	metrics.IncReconcile("ok")
	return res, nil
}

// Running returns the identities of the tracked supervisors, sorted.
func (r *Reconciler) Running() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Shutdown stops every supervisor concurrently, each bounded by StopTimeout.
// Status entries are kept.
func (r *Reconciler) Shutdown() error {
	r.cycle.Lock()
	defer r.cycle.Unlock()
	return r.stop(context.Background(), r.Running(), false)
}

func (r *Reconciler) start(def definition.Definition) {
	sup := r.newSup(def)
	sup.Start(r.base)
	r.mu.Lock()
	r.running[def.ID()] = entry{def: def, sup: sup}
	r.mu.Unlock()
}

func (r *Reconciler) get(id string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.running[id]
	return e, ok
}

// stop cancels the supervisors for ids and waits for them in parallel. When
// forget is set the services are also dropped from the store and metrics and a
// removal event is recorded.
func (r *Reconciler) stop(ctx context.Context, ids []string, forget bool) error {
	var g errgroup.Group
	for _, id := range ids {
		e, ok := r.get(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			if forget {
				r.logger.Info("stopping supervisor for removed service", "service", e.def.Name(), "path", id)
			}
			last, _ := r.store.Get(id)
			err := r.stopOne(e)
			r.mu.Lock()
			delete(r.running, id)
			r.mu.Unlock()
			if forget {
				r.store.Delete(id)
				metrics.ForgetService(e.def.Name())
				r.opts.History.Record(ctx, history.Event{
					Type:   history.EventRemoved,
					Record: removedRecord(e.def, last),
				})
			}
			return err
		})
	}
	return g.Wait()
}

func (r *Reconciler) stopOne(e entry) error {
	e.sup.Stop()
	if waitDone(e.sup, r.opts.StopTimeout) {
		return nil
	}
	r.logger.Warn("supervisor did not stop in time, killing script", "service", e.def.Name(), "timeout", r.opts.StopTimeout)
	e.sup.Kill()
	if !waitDone(e.sup, killGrace) {
		r.logger.Error("supervisor still running after kill, abandoning it", "service", e.def.Name())
	}
	return fmt.Errorf("%w: %s", ErrStopTimeout, e.def.Name())
}

func removedRecord(def definition.Definition, last status.ServiceStatus) history.Record {
	rec := history.Record{
		Service:  def.Name(),
		RepoPath: def.Path,
		URL:      def.URL,
		Branch:   def.Branch,
		From:     string(last.State),
		Script:   last.ScriptToRun,
	}
	if last.ScriptPID != nil {
		rec.ScriptPID = *last.ScriptPID
	}
	return rec
}

func exited(s Supervisor) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func waitDone(s Supervisor, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.Done():
		return true
	case <-t.C:
		return false
	}
}
