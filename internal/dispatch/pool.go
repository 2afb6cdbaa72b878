// Package dispatch implements the per-command worker pool: the admission
// controller, the round-robin dispatcher, and the deadline/cancellation
// tie-break that decides a task's outcome.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/p01/dispatchd/internal/envelope"
	"github.com/p01/dispatchd/internal/latency"
	"github.com/p01/dispatchd/internal/registry"
)

// MetricsSink receives accounting events from a Pool. internal/metrics
// implements this interface; dispatch never imports internal/metrics
// directly, so the dependency runs one way only.
type MetricsSink interface {
	ObserveSubmit(command string)
	ObserveReject(command string)
	ObserveComplete(command, outcome string)
	SetInFlight(command string, n int64)
	SetWorkerBusy(command string, workerID int, busy bool)
}

type noopSink struct{}

func (noopSink) ObserveSubmit(string)            {}
func (noopSink) ObserveReject(string)            {}
func (noopSink) ObserveComplete(string, string)  {}
func (noopSink) SetInFlight(string, int64)       {}
func (noopSink) SetWorkerBusy(string, int, bool) {}

// PoolConfig configures one command's pool.
type PoolConfig struct {
	Command     *registry.Handler
	Workers     int
	MaxInFlight int
	DataDir     string
	Metrics     MetricsSink   // optional, defaults to a no-op sink
	Tracer      trace.Tracer  // optional, may be a no-op tracer
}

// Pool owns one command's workers, inbox channels, admission budget and
// latency ring. Workers are started in NewPool and run until Close.
type Pool struct {
	name    string
	handler *registry.Handler
	dataDir string

	admission *Admission
	slots     []*WorkerSlot
	inboxes   []chan *Task

	cursorMu sync.Mutex
	cursor   int

	latency *latency.Sampler
	metrics MetricsSink
	tracer  trace.Tracer

	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewPool builds and starts a pool of cfg.Workers workers. Each worker's
// inbox is sized ceil(MaxInFlight/Workers) — the share of the admission
// budget it can legally receive — so an admitted task's dispatcher send
// never blocks.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	slotCap := ceilDiv(cfg.MaxInFlight, cfg.Workers)

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopSink{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("dispatch")
	}

	p := &Pool{
		name:      cfg.Command.Name,
		handler:   cfg.Command,
		dataDir:   cfg.DataDir,
		admission: NewAdmission(cfg.MaxInFlight),
		latency:   latency.New(),
		metrics:   metrics,
		tracer:    tracer,
		stop:      make(chan struct{}),
	}

	p.slots = make([]*WorkerSlot, cfg.Workers)
	p.inboxes = make([]chan *Task, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		p.slots[i] = newWorkerSlot(i)
		p.inboxes[i] = make(chan *Task, slotCap)
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	return p
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

func (p *Pool) Name() string                 { return p.name }
func (p *Pool) Handler() *registry.Handler   { return p.handler }
func (p *Pool) Slots() []*WorkerSlot         { return p.slots }
func (p *Pool) InFlight() int64              { return p.admission.InFlight() }
func (p *Pool) MaxInFlight() int64           { return p.admission.Max() }
func (p *Pool) Latency() latency.Percentiles { return p.latency.Snapshot() }

// Submit admits and dispatches task, or reports backpressure.
//
// Admission is attempted first; its result (in_flight <= max_in_flight, one
// Release per admit) is the invariant this package relies on. Once admitted, the
// dispatcher's round-robin send is guaranteed to succeed immediately
// because every worker's inbox was sized for its legal share of the
// admission budget — but if a worker has shut its receiver down (panicked
// past self-healing, which should not happen, or during Close), Submit
// retries the remaining workers before giving up with a 503 Internal.
func (p *Pool) Submit(task *Task) *envelope.HandlerError {
	if !p.admission.TryAdmit() {
		p.metrics.ObserveReject(p.name)
		return &envelope.HandlerError{Kind: envelope.KindBackpressure, Message: "no admission slot available"}
	}
	p.metrics.ObserveSubmit(p.name)
	p.metrics.SetInFlight(p.name, p.admission.InFlight())

	// send reports whether ch took the task; an inbox already closed by
	// Close counts as unavailable instead of panicking.
	send := func(ch chan *Task) (sent bool) {
		defer func() {
			if recover() != nil {
				sent = false
			}
		}()
		select {
		case ch <- task:
			return true
		default:
			return false
		}
	}

	n := len(p.inboxes)
	start := p.nextCursor(n)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if send(p.inboxes[idx]) {
			return nil
		}
	}
	// All workers' inboxes are full/closed: release the slot we reserved
	// and report the pool unavailable. Unlike backpressure this is not the
	// client's fault, so the kind stays internal, but the status is still
	// 503 — the pool may come back.
	p.admission.Release()
	p.metrics.SetInFlight(p.name, p.admission.InFlight())
	return &envelope.HandlerError{Kind: envelope.KindInternal, Status: 503, Message: "no worker available for " + p.name}
}

func (p *Pool) nextCursor(n int) int {
	p.cursorMu.Lock()
	c := p.cursor
	p.cursor = (p.cursor + 1) % n
	p.cursorMu.Unlock()
	return c
}

// Close stops accepting new work and waits for in-flight tasks to drain.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
		for _, ch := range p.inboxes {
			close(ch)
		}
	})
	p.wg.Wait()
}

func (p *Pool) workerLoop(idx int) {
	defer p.wg.Done()
	slot := p.slots[idx]
	inbox := p.inboxes[idx]
	tag := fmt.Sprintf("%s#%d", p.name, idx)

	for task := range inbox {
		p.runTask(slot, tag, task)
	}
}

// runTask executes one task with a deadline watchdog and panic recovery,
// then publishes the outcome and releases the admission slot exactly once.
func (p *Pool) runTask(slot *WorkerSlot, workerTag string, task *Task) {
	slot.setRunning(task.ID)
	defer slot.setIdle()
	p.metrics.SetWorkerBusy(p.name, slot.WorkerID, true)
	defer p.metrics.SetWorkerBusy(p.name, slot.WorkerID, false)

	start := time.Now()

	// context.WithDeadline is the idiomatic stand-in for a
	// "watchdog thread that flips a CancelToken": the runtime times out
	// the context without this pool owning an explicit goroutine per task.
	base := task.ParentCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithDeadline(base, task.Deadline)
	spanCtx, span := p.tracer.Start(ctx, "dispatch."+p.name,
		trace.WithAttributes(
			attribute.String("request_id", task.RequestID),
			attribute.String("task_id", task.ID),
		))
	if task.JobID != "" {
		span.SetAttributes(attribute.String("job_id", task.JobID))
	}
	span.SetAttributes(attribute.String("worker", workerTag))

	result, handlerErr := p.execSafely(spanCtx, task)

	// Tie-break: if the deadline fired before (or concurrently
	// with) the handler returning, the deadline wins regardless of what the
	// handler produced. Sampled before cancel(), which would mark every
	// context done.
	deadlineHit := ctx.Err() != nil
	cancel()
	elapsed := time.Since(start)

	outcomeTag := "ok"
	if deadlineHit {
		handlerErr = &envelope.HandlerError{Kind: envelope.KindTimeout, Message: "deadline exceeded"}
		result = nil
		outcomeTag = "timeout"
	} else if handlerErr != nil {
		outcomeTag = string(handlerErr.Kind)
	}

	if handlerErr != nil {
		span.SetStatus(codes.Error, handlerErr.Message)
	}
	span.End()

	p.latency.Add(elapsed.Milliseconds())
	p.metrics.ObserveComplete(p.name, outcomeTag)

	p.admission.Release()
	p.metrics.SetInFlight(p.name, p.admission.InFlight())

	select {
	case task.Sink <- Outcome{Result: result, Err: handlerErr, ElapsedMS: elapsed.Milliseconds(), WorkerID: slot.WorkerID}:
	default:
		// The receiver already gave up (front-end wall-clock timeout): the
		// outcome is discarded, at-most-once observable.
	}
}

// execSafely recovers a handler panic into HandlerInternal and lets the
// worker loop continue — the pool self-heals without spawning a
// replacement goroutine.
func (p *Pool) execSafely(ctx context.Context, task *Task) (result any, herr *envelope.HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			herr = &envelope.HandlerError{Kind: envelope.KindInternal, Message: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	execCtx := registry.Ctx{Context: ctx, DataDir: p.dataDir, RequestID: task.RequestID}
	return p.handler.Exec(execCtx, task.Params)
}
