package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/p01/dispatchd/internal/config"
	"github.com/p01/dispatchd/internal/dispatch"
	"github.com/p01/dispatchd/internal/envelope"
	"github.com/p01/dispatchd/internal/jobs"
	"github.com/p01/dispatchd/internal/logging"
	"github.com/p01/dispatchd/internal/registry"
)

func newTestDispatcher(t *testing.T, sink *Sink) *dispatch.Manager {
	t.Helper()
	reg := registry.New()
	reg.Register(&registry.Handler{
		Name:          "echo",
		Deterministic: true,
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			return map[string]any{"ok": true}, nil
		},
	})
	h, _ := reg.Resolve("echo")
	dm := dispatch.NewManager()
	pool := dispatch.NewPool(dispatch.PoolConfig{Command: h, Workers: 1, MaxInFlight: 1, Metrics: sink})
	dm.Register("echo", pool)
	t.Cleanup(pool.Close)
	return dm
}

func newTestJobsManager(t *testing.T, dm *dispatch.Manager) *jobs.Manager {
	t.Helper()
	reg := registry.New()
	jm := jobs.NewManager(reg, dm, jobs.NewJournal(t.TempDir()), time.Second, logging.New(false))
	return jm
}

func TestSinkObservesSubmitAndComplete(t *testing.T) {
	sink := NewSink()
	dm := newTestDispatcher(t, sink)

	task := dispatch.NewTask("t1", "echo", nil, time.Now().Add(time.Second), "req-1", "")
	if _, herr := dm.SubmitAndWait("echo", task); herr != nil {
		t.Fatalf("submit failed: %+v", herr)
	}

	jm := newTestJobsManager(t, dm)
	body, contentType, err := sink.RenderProm(jm)
	if err != nil {
		t.Fatalf("RenderProm failed: %v", err)
	}
	if !strings.Contains(contentType, "text/plain") {
		t.Fatalf("content type = %q", contentType)
	}
	text := string(body)
	if !strings.Contains(text, "dispatchd_submitted_total") {
		t.Fatalf("expected submitted_total metric in output:\n%s", text)
	}
	if !strings.Contains(text, `command="echo"`) {
		t.Fatalf("expected command label in output:\n%s", text)
	}
}

func TestStatusIncludesPoolSnapshot(t *testing.T) {
	sink := NewSink()
	dm := newTestDispatcher(t, sink)

	out := Status(dm, time.Now().Add(-time.Second), 1234, 5)
	if out["pid"] != 1234 {
		t.Fatalf("pid = %v", out["pid"])
	}
	pools := out["pools"].([]PoolSnapshot)
	if len(pools) != 1 || pools[0].Command != "echo" {
		t.Fatalf("pools = %+v", pools)
	}
}

func TestMetricsIncludesConfigAndJobTotals(t *testing.T) {
	sink := NewSink()
	dm := newTestDispatcher(t, sink)
	jm := newTestJobsManager(t, dm)

	cfg := config.Config{WorkersPerCmd: 2, MaxInFlight: 32, RetryAfterMS: 250, TaskTimeoutMS: 60000}
	out := Metrics(dm, jm, cfg, time.Now(), 1, 0)

	cs := out["config"].(ConfigSnapshot)
	if cs.WorkersPerCommand != 2 || cs.TaskTimeoutMS != 60000 {
		t.Fatalf("config snapshot = %+v", cs)
	}
	jobsOut := out["jobs"].(map[string]any)
	if jobsOut["resumed_count"] != int64(0) {
		t.Fatalf("resumed_count = %v", jobsOut["resumed_count"])
	}
}

func TestPoolSnapshotP99OnlyOnMetrics(t *testing.T) {
	sink := NewSink()
	dm := newTestDispatcher(t, sink)

	statusPools := poolSnapshots(dm, false)
	metricsPools := poolSnapshots(dm, true)
	if statusPools[0].Latency.P99 != 0 {
		t.Fatalf("status snapshot should omit P99, got %d", statusPools[0].Latency.P99)
	}
	_ = metricsPools
}
