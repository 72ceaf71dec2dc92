// Package autoexec keeps a set of git-hosted services checked out, up to date
// and running, and reports their state over HTTP.
package autoexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/autoexec/internal/config"
	"github.com/loykin/autoexec/internal/definition"
	"github.com/loykin/autoexec/internal/env"
	"github.com/loykin/autoexec/internal/executor"
	"github.com/loykin/autoexec/internal/history"
	"github.com/loykin/autoexec/internal/history/factory"
	"github.com/loykin/autoexec/internal/logger"
	"github.com/loykin/autoexec/internal/metrics"
	"github.com/loykin/autoexec/internal/reconciler"
	"github.com/loykin/autoexec/internal/server"
	"github.com/loykin/autoexec/internal/status"
	"github.com/loykin/autoexec/internal/supervisor"
	"github.com/loykin/autoexec/internal/vcs"
)

// Re-export core types for external consumers.

type Config = config.Config

type ServiceStatus = status.ServiceStatus

type State = status.State

// ErrGitUnavailable aborts startup when the git binary cannot be run.
var ErrGitUnavailable = errors.New("git is not available")

// shutdownGrace bounds HTTP listener shutdown.
const shutdownGrace = 5 * time.Second

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() *Config { return config.Default() }

// Manager wires the reconciler, supervisors, status server and optional
// metrics and history exporters for one configuration.
type Manager struct {
	cfg      *Config
	logger   *slog.Logger
	level    slog.Level
	pid      int
	store    *status.Store
	git      *vcs.Git
	launcher *supervisor.ProcessLauncher
	history  *history.Recorder

	mu     sync.Mutex
	apiURL string
}

// New validates cfg and prepares a Manager. Nothing is started until Run.
func New(cfg *Config, log *slog.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	e := env.New()
	e.NoOS = !cfg.UseOSEnv
	if err := e.LoadFiles(cfg.EnvFiles...); err != nil {
		return nil, err
	}
	if err := e.SetPairs(cfg.Env); err != nil {
		return nil, err
	}

	return &Manager{
		cfg:      cfg,
		logger:   log,
		level:    logger.ParseLevel(cfg.Log.Level),
		pid:      os.Getpid(),
		store:    status.NewStore(cfg.LogCapacity),
		git:      vcs.New(executor.Exec{}, cfg.GitBinary),
		launcher: supervisor.NewProcessLauncher(cfg.Interpreter, e, cfg.Logger().File),
	}, nil
}

// PID is the manager identifier reported as manager_pid.
func (m *Manager) PID() int { return m.pid }

// Snapshot returns an isolated copy of every service record.
func (m *Manager) Snapshot() map[string]ServiceStatus { return m.store.Snapshot() }

// APIURL is the advertised status URL once Run has started the server.
func (m *Manager) APIURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apiURL
}

// Run starts everything and blocks until ctx is cancelled, then stops every
// supervisor and listener. Startup failures are returned before any
// supervisor is started.
func (m *Manager) Run(ctx context.Context) error {
	ver, err := m.git.Version(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGitUnavailable, err)
	}
	m.logger.Info("git found", "version", ver)

	if err := os.MkdirAll(m.cfg.ReposDir, 0o750); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closers []func(context.Context) error
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer scancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](sctx); err != nil {
				m.logger.Warn("shutdown step failed", "error", err)
			}
		}
	}()

	if m.cfg.Metrics.Enabled {
		stop, err := m.startMetrics(ctx)
		if err != nil {
			return err
		}
		closers = append(closers, stop)
	}

	if m.cfg.History.Enabled {
		sinks, err := factory.NewSinks(m.cfg.History.DSNs)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		m.history = history.NewRecorder(m.logger, m.cfg.History.SendTimeout, sinks...)
		closers = append(closers, func(context.Context) error { return m.history.Close() })
		m.logger.Info("history export enabled", "sinks", len(sinks))
	}

	if m.cfg.Server.Enabled {
		srv, err := server.NewServer(m.cfg.Server.Listen, m.cfg.Server.BasePath, m.store, m.pid, m.logger)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.apiURL = srv.APIURL()
		m.mu.Unlock()
		closers = append(closers, srv.Shutdown)
	}

	var trigger <-chan struct{}
	if m.cfg.WatchServices {
		w, err := definition.NewWatcher(m.cfg.ServicesFile, 0, m.logger)
		if err != nil {
			m.logger.Warn("cannot watch services file, relying on polling", "file", m.cfg.ServicesFile, "error", err)
		} else {
			go w.Run(ctx)
			trigger = w.Events()
		}
	}

	rec := reconciler.New(reconciler.Options{
		Interval:    m.cfg.ReconcileInterval,
		StopTimeout: m.cfg.StopTimeout,
		ManagerPID:  m.pid,
		Trigger:     trigger,
		History:     m.history,
	}, m.loadServices, m.store, m.newSupervisor, m.logger)

	m.logger.Info("autoexec started", "pid", m.pid, "services_file", m.cfg.ServicesFile, "repos_dir", m.cfg.ReposDir)
	err = rec.Run(ctx)
	m.logger.Info("autoexec stopped")
	return err
}

func (m *Manager) loadServices() (definition.Set, error) {
	return definition.ParseFile(m.cfg.ServicesFile, m.cfg.ReposDir)
}

func (m *Manager) newSupervisor(def definition.Definition) reconciler.Supervisor {
	log := logger.ServiceLogger(m.logger, m.store, def.ID(), def.Name(), m.level)
	return supervisor.New(def, m.store, m.git, m.launcher, supervisor.Options{
		CheckInterval:     m.cfg.CheckInterval,
		WorkerStopTimeout: m.cfg.WorkerStopTimeout,
		EntryFile:         m.cfg.EntryFile,
		OnTransition:      m.recordTransition,
	}, log)
}

func (m *Manager) recordTransition(tr supervisor.Transition) {
	if !m.history.Enabled() {
		return
	}
	m.history.Record(context.Background(), history.Event{
		Type: history.EventTransition,
		Record: history.Record{
			Service:   tr.Definition.Name(),
			RepoPath:  tr.Definition.Path,
			URL:       tr.Definition.URL,
			Branch:    tr.Definition.Branch,
			From:      string(tr.From),
			To:        string(tr.To),
			ScriptPID: tr.ScriptPID,
			Script:    tr.Script,
		},
	})
}

// workerPIDs maps service name to the pid of its running worker.
func (m *Manager) workerPIDs() map[string]int {
	out := make(map[string]int)
	for _, st := range m.store.Snapshot() {
		if st.ScriptPID != nil {
			out[definition.Definition{Path: st.RepoPath}.Name()] = *st.ScriptPID
		}
	}
	return out
}

func (m *Manager) startMetrics(ctx context.Context) (func(context.Context) error, error) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if m.cfg.Metrics.WorkerResources {
		if err := metrics.RegisterResources(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register resource metrics: %w", err)
		}
		c := metrics.NewResourceCollector(m.cfg.Metrics.ResourceInterval, m.workerPIDs, m.logger)
		go c.Run(ctx)
	}

	ln, err := net.Listen("tcp", m.cfg.Metrics.Listen)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", m.cfg.Metrics.Listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server failed", "error", err)
		}
	}()
	m.logger.Info("metrics server started", "addr", ln.Addr().String())
	return srv.Shutdown, nil
}
