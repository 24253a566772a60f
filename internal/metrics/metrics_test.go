package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// freshRegistry resets the gate and registers all collectors with a new registry.
func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := freshRegistry(t)
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncSpawn()
	IncSpawn()
	IncSpawnFailure()
	IncFailedStart()
	ObserveExit("exited", 1.25)
	SetConsecutiveFailures(2)
	IncRotation()
	RecordStateTransition("grace_period", "running")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"guarderd_child_spawns_total":                 false,
		"guarderd_child_spawn_failures_total":         false,
		"guarderd_child_failed_starts_total":          false,
		"guarderd_child_exits_total":                  false,
		"guarderd_child_uptime_seconds":               false,
		"guarderd_child_consecutive_failures":         false,
		"guarderd_capture_rotations_total":            false,
		"guarderd_supervisor_state_transitions_total": false,
		"guarderd_supervisor_current_state":           false,
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
	if got := testutil.ToFloat64(consecutiveFailures); got != 2 {
		t.Fatalf("consecutive_failures = %v", got)
	}
}

func TestCurrentStateIsOneHot(t *testing.T) {
	freshRegistry(t)
	RecordStateTransition("", "initializing")
	RecordStateTransition("initializing", "grace_period")
	RecordStateTransition("grace_period", "restart_pending")

	for _, s := range States {
		want := 0.0
		if s == "restart_pending" {
			want = 1
		}
		if got := testutil.ToFloat64(currentState.WithLabelValues(s)); got != want {
			t.Fatalf("current_state{state=%q} = %v, want %v", s, got, want)
		}
	}
	if got := testutil.ToFloat64(stateTransitions.WithLabelValues("grace_period", "restart_pending")); got < 1 {
		t.Fatalf("transition not counted: %v", got)
	}
}

func TestHandlerForServesRegistry(t *testing.T) {
	reg := freshRegistry(t)
	IncSpawn()

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()

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
	if !strings.Contains(s, "guarderd_child_spawns_total") {
		t.Fatalf("metrics output missing spawns_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := freshRegistry(t)
	before := testutil.ToFloat64(childSpawns)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncSpawn()
			ObserveExit("signaled", 0.1)
			RecordStateTransition("running", "restart_pending")
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
	if got := testutil.ToFloat64(childSpawns) - before; got != 50 {
		t.Fatalf("spawns delta = %v, want 50", got)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	regOK.Store(false)
	before := testutil.ToFloat64(childSpawns)

	IncSpawn()
	IncSpawnFailure()
	IncFailedStart()
	ObserveExit("exited", 1)
	SetConsecutiveFailures(5)
	IncRotation()
	RecordStateTransition("running", "terminating")

	if got := testutil.ToFloat64(childSpawns); got != before {
		t.Fatalf("helper recorded before Register: %v -> %v", before, got)
	}
}

func TestRegisterError(t *testing.T) {
	regOK.Store(false)
	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	if regOK.Load() {
		t.Fatal("gate opened after failed registration")
	}
}

func TestRegisterToleratesAlreadyRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(childSpawns); err != nil {
		t.Fatal(err)
	}
	regOK.Store(false)
	if err := Register(reg); err != nil {
		t.Fatalf("register with pre-registered collector: %v", err)
	}
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}

func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
