package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncLaunch("a")
	IncLaunch("a")
	IncCrash("a")
	IncUpdate("a")
	IncSupervisorRestart("a")
	IncReconcile("ok")
	ObserveReconcileDuration(0.02)
	SetManagedServices(3)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"autoexec_worker_launches_total":             false,
		"autoexec_worker_crashes_total":              false,
		"autoexec_service_updates_applied_total":     false,
		"autoexec_service_supervisor_restarts_total": false,
		"autoexec_reconciler_cycles_total":           false,
		"autoexec_reconciler_cycle_duration_seconds": false,
		"autoexec_reconciler_managed_services":       false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
	assert.InDelta(t, 2, value(t, workerLaunches.WithLabelValues("a")), 0.001)
	assert.InDelta(t, 3, value(t, managedServices), 0.001)
}

func TestStateTransitionMovesCurrentState(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.NewRegistry()))

	RecordStateTransition("svc", "", "initializing")
	RecordStateTransition("svc", "initializing", "cloning")
	RecordStateTransition("svc", "cloning", "running")

	assert.InDelta(t, 1, value(t, currentStates.WithLabelValues("svc", "running")), 0.001)
	assert.InDelta(t, 0, value(t, currentStates.WithLabelValues("svc", "cloning")), 0.001)
	assert.InDelta(t, 1, value(t, stateTransitions.WithLabelValues("svc", "cloning", "running")), 0.001)

	// a replacement supervisor starts from a clean gauge set
	RecordStateTransition("svc", "running", "failed")
	RecordStateTransition("svc", "", "initializing")
	assert.Equal(t, 1, count(currentStates))

	ForgetService("svc")
	assert.Equal(t, 0, count(currentStates))
}

func TestHandlerServesMetrics(t *testing.T) {
	// Handler serves the default registry.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncLaunch("x")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "autoexec_worker_launches_total") {
		t.Fatalf("metrics output missing launches_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncLaunch("c")
			IncCrash("c")
			RecordStateTransition("c", "running", "crashed")
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncLaunch("test")
	IncCrash("test")
	IncUpdate("test")
	IncSupervisorRestart("test")
	RecordStateTransition("test", "running", "crashed")
	ForgetService("test")
	IncReconcile("ok")
	ObserveReconcileDuration(1)
	SetManagedServices(5)
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.False(t, regOK.Load())
}

func TestResourceCollectorSamplesSelf(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterResources(reg))
	require.NoError(t, RegisterResources(reg))

	pids := map[string]int{"self": os.Getpid(), "gone": 0}
	c := NewResourceCollector(0, func() map[string]int { return pids }, nil)
	got := c.Collect()
	require.Contains(t, got, "self")
	assert.NotContains(t, got, "gone")
	assert.EqualValues(t, os.Getpid(), got["self"].PID)
	assert.Positive(t, got["self"].MemoryMB)
	assert.Equal(t, 1, count(workerMemoryMB))

	delete(pids, "self")
	c.Collect()
	assert.Equal(t, 0, count(workerMemoryMB))
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func count(c prometheus.Collector) int {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	n := 0
	for range ch {
		n++
	}
	return n
}
