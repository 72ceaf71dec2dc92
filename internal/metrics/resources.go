package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultResourceInterval is the sampling period for worker resource usage.
const DefaultResourceInterval = 15 * time.Second

var (
	workerCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the running worker.",
		}, []string{"service"},
	)
	workerMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "memory_mb",
			Help:      "Resident memory of the running worker in MB.",
		}, []string{"service"},
	)
	workerNumThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "num_threads",
			Help:      "Number of threads of the running worker.",
		}, []string{"service"},
	)
	workerNumFDs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "num_fds",
			Help:      "Number of open file descriptors of the running worker (Unix only).",
		}, []string{"service"},
	)
)

// ResourceSample is one measurement of a worker process.
type ResourceSample struct {
	PID        int32
	CPUPercent float64
	MemoryMB   float64
	NumThreads int32
	NumFDs     int32
}

// ResourceCollector periodically samples the worker processes returned by pids
// (service name -> pid) and publishes their usage as gauges.
type ResourceCollector struct {
	interval time.Duration
	pids     func() map[string]int
	logger   *slog.Logger

	mu    sync.Mutex
	procs map[string]*process.Process // cached handles keep CPUPercent deltas meaningful
	seen  map[string]struct{}
}

// NewResourceCollector creates a collector. A non-positive interval uses DefaultResourceInterval.
func NewResourceCollector(interval time.Duration, pids func() map[string]int, logger *slog.Logger) *ResourceCollector {
	if interval <= 0 {
		interval = DefaultResourceInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceCollector{
		interval: interval,
		pids:     pids,
		logger:   logger,
		procs:    make(map[string]*process.Process),
		seen:     make(map[string]struct{}),
	}
}

// RegisterResources registers the worker resource gauges.
func RegisterResources(r prometheus.Registerer) error {
	cs := []prometheus.Collector{workerCPUPercent, workerMemoryMB, workerNumThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, workerNumFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples until ctx is cancelled.
func (c *ResourceCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one sample of every running worker and drops series of services
// that no longer have one.
func (c *ResourceCollector) Collect() map[string]ResourceSample {
	active := c.pids()
	out := make(map[string]ResourceSample, len(active))

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, pid := range active {
		if pid <= 0 {
			continue
		}
		s, err := c.sample(name, int32(pid))
		if err != nil {
			c.logger.Debug("failed to sample worker", "service", name, "pid", pid, "error", err)
			continue
		}
		out[name] = s
		workerCPUPercent.WithLabelValues(name).Set(s.CPUPercent)
		workerMemoryMB.WithLabelValues(name).Set(s.MemoryMB)
		workerNumThreads.WithLabelValues(name).Set(float64(s.NumThreads))
		if runtime.GOOS != "windows" {
			workerNumFDs.WithLabelValues(name).Set(float64(s.NumFDs))
		}
		c.seen[name] = struct{}{}
	}
	for name := range c.seen {
		if _, ok := out[name]; !ok {
			delete(c.seen, name)
			delete(c.procs, name)
			forgetResources(name)
		}
	}
	return out
}

func (c *ResourceCollector) sample(name string, pid int32) (ResourceSample, error) {
	p, ok := c.procs[name]
	if !ok || p.Pid != pid {
		np, err := process.NewProcess(pid)
		if err != nil {
			return ResourceSample{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		p = np
		c.procs[name] = p
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := p.NumThreads()
	if err != nil {
		threads = 0
	}
	s := ResourceSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
	}
	if runtime.GOOS != "windows" {
		if fds, err := p.NumFDs(); err == nil {
			s.NumFDs = fds
		}
	}
	return s, nil
}

func forgetResources(service string) {
	workerCPUPercent.DeleteLabelValues(service)
	workerMemoryMB.DeleteLabelValues(service)
	workerNumThreads.DeleteLabelValues(service)
	workerNumFDs.DeleteLabelValues(service)
}
