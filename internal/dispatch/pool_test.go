package dispatch

import (
	"testing"
	"time"

	"github.com/p01/dispatchd/internal/envelope"
	"github.com/p01/dispatchd/internal/registry"
)

func echoHandler(name string) *registry.Handler {
	return &registry.Handler{
		Name:          name,
		Nature:        registry.NatureFast,
		Deterministic: true,
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			return params, nil
		},
	}
}

func newTestPool(t *testing.T, workers, maxInFlight int) *Pool {
	t.Helper()
	p := NewPool(PoolConfig{
		Command:     echoHandler("echo"),
		Workers:     workers,
		MaxInFlight: maxInFlight,
	})
	t.Cleanup(p.Close)
	return p
}

func submitAndWait(p *Pool, id string, deadline time.Duration) Outcome {
	task := NewTask(id, p.Name(), map[string]any{"id": id}, time.Now().Add(deadline), "req-"+id, "")
	if err := p.Submit(task); err != nil {
		return Outcome{Err: err}
	}
	return <-task.Sink
}

func TestPoolBasicSubmit(t *testing.T) {
	p := newTestPool(t, 2, 4)
	out := submitAndWait(p, "1", time.Second)
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
}

func TestPoolBackpressureWithOneWorkerOneSlot(t *testing.T) {
	block := make(chan struct{})
	p := NewPool(PoolConfig{
		Command: &registry.Handler{
			Name: "slow",
			Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
				<-block
				return "done", nil
			},
		},
		Workers:     1,
		MaxInFlight: 1,
	})
	defer func() { close(block); p.Close() }()

	first := NewTask("a", "slow", nil, time.Now().Add(5*time.Second), "r1", "")
	if err := p.Submit(first); err != nil {
		t.Fatalf("expected first submit admitted: %v", err)
	}

	// give the worker a moment to pick it up so in_flight really reflects
	// one task running
	time.Sleep(20 * time.Millisecond)

	second := NewTask("b", "slow", nil, time.Now().Add(5*time.Second), "r2", "")
	err := p.Submit(second)
	if err == nil || err.Kind != envelope.KindBackpressure {
		t.Fatalf("expected backpressure rejection, got %+v", err)
	}
}

func TestPoolDeadlineWins(t *testing.T) {
	block := make(chan struct{})
	p := NewPool(PoolConfig{
		Command: &registry.Handler{
			Name: "hang",
			Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
				<-ctx.Context.Done()
				<-block
				return "too late", nil
			},
		},
		Workers:     1,
		MaxInFlight: 1,
	})
	defer p.Close()

	task := NewTask("x", "hang", nil, time.Now().Add(20*time.Millisecond), "r", "")
	if err := p.Submit(task); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	// The handler still returns only after its deadline has passed; the
	// outcome is published once it returns.
	close(block)
	out := <-task.Sink
	if out.Err == nil || out.Err.Kind != envelope.KindTimeout {
		t.Fatalf("expected timeout outcome, got %+v", out)
	}
	if out.Result != nil {
		t.Fatalf("expected discarded result on deadline, got %v", out.Result)
	}
}

func TestPoolPanicSelfHeals(t *testing.T) {
	p := NewPool(PoolConfig{
		Command: &registry.Handler{
			Name: "boom",
			Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
				if params["boom"] == true {
					panic("kaboom")
				}
				return "ok", nil
			},
		},
		Workers:     1,
		MaxInFlight: 2,
	})
	defer p.Close()

	task := NewTask("1", "boom", map[string]any{"boom": true}, time.Now().Add(time.Second), "r1", "")
	if err := p.Submit(task); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	out := <-task.Sink
	if out.Err == nil || out.Err.Kind != envelope.KindInternal {
		t.Fatalf("expected internal error from panic, got %+v", out)
	}

	// pool must still be usable after a panic (self-healing worker loop)
	ok := submitAndWait(p, "2", time.Second)
	if ok.Err != nil {
		t.Fatalf("expected pool to self-heal, got error: %v", ok.Err)
	}
}

// TestPoolRoundRobinDistribution holds every worker busy on a blocking
// handler and checks that all of them, not a subset, picked up work —
// the round-robin dispatcher spreads an admitted batch across every
// inbox rather than piling onto one worker.
func TestPoolRoundRobinDistribution(t *testing.T) {
	const workers = 4
	block := make(chan struct{})
	p := NewPool(PoolConfig{
		Command: &registry.Handler{
			Name: "rr",
			Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
				<-block
				return "ok", nil
			},
		},
		Workers:     workers,
		MaxInFlight: workers,
	})
	defer func() { close(block); p.Close() }()

	tasks := make([]*Task, workers)
	for i := 0; i < workers; i++ {
		tasks[i] = NewTask(string(rune('a'+i)), "rr", nil, time.Now().Add(5*time.Second), "r", "")
		if err := p.Submit(tasks[i]); err != nil {
			t.Fatalf("unexpected submit error on task %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		busy := 0
		for _, s := range p.Slots() {
			if s.Busy() {
				busy++
			}
		}
		if busy == workers {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected all %d workers busy, round-robin dispatch did not spread the batch", workers)
}
