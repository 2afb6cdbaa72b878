// Package metrics is the dispatch core's accounting sink and the assembly
// point for its three read-only surfaces: /status, /metrics and
// /metrics/prom. It implements dispatch.MetricsSink so the dispatcher can
// report accounting events without importing this package back.
package metrics

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p01/dispatchd/internal/config"
	"github.com/p01/dispatchd/internal/dispatch"
	"github.com/p01/dispatchd/internal/jobs"
)

// Sink is the prometheus-backed implementation of dispatch.MetricsSink:
// per-command counter/gauge vectors plus job-status gauges.
type Sink struct {
	reg *prometheus.Registry

	submitted  *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	completed  *prometheus.CounterVec
	inFlight   *prometheus.GaugeVec
	workerBusy *prometheus.GaugeVec

	jobsByStatus *prometheus.GaugeVec
	jobsResumed  prometheus.Gauge
	jobsLost     prometheus.Gauge
}

// NewSink builds a Sink with its own registry (not the global
// prometheus.DefaultRegisterer — dispatchd has no other Prometheus
// consumer and keeping a private registry avoids import-order surprises
// when tests build multiple servers in one process).
func NewSink() *Sink {
	reg := prometheus.NewRegistry()
	s := &Sink{
		reg: reg,
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_submitted_total",
			Help: "Tasks submitted per command.",
		}, []string{"command"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_rejected_total",
			Help: "Tasks rejected for lack of an admission slot, per command.",
		}, []string{"command"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_completed_total",
			Help: "Tasks completed per command and outcome (ok, timeout, or a HandlerError kind).",
		}, []string{"command", "outcome"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatchd_in_flight",
			Help: "Current in-flight task count per command.",
		}, []string{"command"}),
		workerBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatchd_worker_busy",
			Help: "1 if the worker is currently executing a task, else 0.",
		}, []string{"command", "worker_id"}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatchd_jobs",
			Help: "Current job count per status.",
		}, []string{"status"}),
		jobsResumed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatchd_jobs_resumed_count",
			Help: "Jobs found running at startup and resumed as pending.",
		}),
		jobsLost: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatchd_jobs_lost_count",
			Help: "Jobs found running at startup for a non-deterministic command and marked error{reason:lost}.",
		}),
	}
	reg.MustRegister(s.submitted, s.rejected, s.completed, s.inFlight, s.workerBusy, s.jobsByStatus, s.jobsResumed, s.jobsLost)
	return s
}

func (s *Sink) ObserveSubmit(command string) { s.submitted.WithLabelValues(command).Inc() }
func (s *Sink) ObserveReject(command string) { s.rejected.WithLabelValues(command).Inc() }
func (s *Sink) ObserveComplete(command, outcome string) {
	s.completed.WithLabelValues(command, outcome).Inc()
}
func (s *Sink) SetInFlight(command string, n int64) {
	s.inFlight.WithLabelValues(command).Set(float64(n))
}
func (s *Sink) SetWorkerBusy(command string, workerID int, busy bool) {
	v := 0.0
	if busy {
		v = 1.0
	}
	s.workerBusy.WithLabelValues(command, strconv.Itoa(workerID)).Set(v)
}

// refreshJobGauges pulls current job totals out of jobsMgr and pushes them
// into the job-status gauges — a pull-on-render model so the jobs package
// never needs to import metrics to push updates itself.
func (s *Sink) refreshJobGauges(jobsMgr *jobs.Manager) {
	for status, n := range jobsMgr.CountsByStatus() {
		s.jobsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	s.jobsResumed.Set(float64(jobsMgr.ResumedCount()))
	s.jobsLost.Set(float64(jobsMgr.LostCount()))
}

// RenderProm refreshes the job gauges and renders every registered metric
// family in Prometheus text exposition format. It drives the stock
// promhttp.Handler against an httptest.ResponseRecorder rather than
// reimplementing exposition encoding — dispatchd answers over a raw
// net.Conn, not net/http, so there is no live *http.Request to hand the
// handler, only this one synthesized for the purpose.
func (s *Sink) RenderProm(jobsMgr *jobs.Manager) ([]byte, string, error) {
	s.refreshJobGauges(jobsMgr)

	handler := promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prom", nil)
	handler.ServeHTTP(rec, req)

	contentType := rec.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain; version=0.0.4"
	}
	return rec.Body.Bytes(), contentType, nil
}

// PoolSnapshot is one command pool's externally observable state, shared by
// /status and /metrics.
type PoolSnapshot struct {
	Command     string          `json:"command"`
	InFlight    int64           `json:"in_flight"`
	MaxInFlight int64           `json:"max_in_flight"`
	Workers     []WorkerView    `json:"workers"`
	Latency     LatencySnapshot `json:"latency"`
}

type WorkerView struct {
	WorkerID      int    `json:"worker_id"`
	Busy          bool   `json:"busy"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
}

// LatencySnapshot is the subset of latency.Percentiles exposed by /status
// (P50/P95); /metrics additionally serializes P99 and Count.
type LatencySnapshot struct {
	Count *int  `json:"count,omitempty"`
	P50   int64 `json:"p50_ms"`
	P95   int64 `json:"p95_ms"`
	P99   int64 `json:"p99_ms,omitempty"`
}

func poolSnapshots(dispatcher *dispatch.Manager, withP99 bool) []PoolSnapshot {
	pools := dispatcher.All()
	out := make([]PoolSnapshot, 0, len(pools))
	for _, p := range pools {
		lat := p.Latency()
		snap := LatencySnapshot{P50: lat.P50, P95: lat.P95}
		if withP99 {
			snap.P99 = lat.P99
			count := lat.Count
			snap.Count = &count
		}
		slots := p.Slots()
		workers := make([]WorkerView, 0, len(slots))
		for _, s := range slots {
			workers = append(workers, WorkerView{
				WorkerID:      s.WorkerID,
				Busy:          s.Busy(),
				CurrentTaskID: s.CurrentTaskID(),
			})
		}
		out = append(out, PoolSnapshot{
			Command:     p.Name(),
			InFlight:    p.InFlight(),
			MaxInFlight: p.MaxInFlight(),
			Workers:     workers,
			Latency:     snap,
		})
	}
	return out
}

// Status builds the /status body: uptime, total connections,
// pid, and every command's queue depth/worker slots/P50-P95.
func Status(dispatcher *dispatch.Manager, startedAt time.Time, pid int, totalConnections int64) map[string]any {
	return map[string]any{
		"uptime_seconds":    time.Since(startedAt).Seconds(),
		"total_connections": totalConnections,
		"pid":               pid,
		"pools":             poolSnapshots(dispatcher, false),
	}
}

// ConfigSnapshot is the subset of config.Config /metrics discloses.
type ConfigSnapshot struct {
	WorkersPerCommand int `json:"workers_per_command"`
	MaxInFlight       int `json:"max_in_flight"`
	RetryAfterMS      int `json:"retry_after_ms"`
	TaskTimeoutMS     int `json:"task_timeout_ms"`
}

// Metrics builds the /metrics body: a superset of /status that
// adds P99, per-command sample counts, a configuration snapshot, and job
// totals by status, including the resumed/lost counters from crash-resume.
func Metrics(dispatcher *dispatch.Manager, jobsMgr *jobs.Manager, cfg config.Config, startedAt time.Time, pid int, totalConnections int64) map[string]any {
	counts := jobsMgr.CountsByStatus()
	jobTotals := make(map[string]int64, len(counts))
	for status, n := range counts {
		jobTotals[string(status)] = n
	}

	return map[string]any{
		"uptime_seconds":    time.Since(startedAt).Seconds(),
		"total_connections": totalConnections,
		"pid":               pid,
		"pools":             poolSnapshots(dispatcher, true),
		"config": ConfigSnapshot{
			WorkersPerCommand: cfg.WorkersPerCmd,
			MaxInFlight:       cfg.MaxInFlight,
			RetryAfterMS:      cfg.RetryAfterMS,
			TaskTimeoutMS:     cfg.TaskTimeoutMS,
		},
		"jobs": map[string]any{
			"by_status":     jobTotals,
			"resumed_count": jobsMgr.ResumedCount(),
			"lost_count":    jobsMgr.LostCount(),
		},
	}
}
