package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/p01/dispatchd/internal/envelope"
)

// Task is one in-flight execution of a command, tied to a single HTTP
// request or job. It has exactly one terminal outcome and its
// response sink is consumed exactly once.
type Task struct {
	ID        string
	Command   string
	Params    map[string]any
	Deadline  time.Time
	RequestID string
	JobID     string // empty for synchronous HTTP requests
	Sink      chan Outcome

	// ParentCtx, when set, is used in place of context.Background() as the
	// base for the per-task deadline context. The job registry uses this
	// to hand a worker a context it can also cancel cooperatively from
	// /jobs/cancel, on top of the usual deadline.
	ParentCtx context.Context
}

// Outcome is the terminal result of a Task: either a JSON-able Result or a
// HandlerError, never both, plus how long execution took and which worker
// ran it (the X-Worker-Pid trace header names the worker, not just the
// process).
type Outcome struct {
	Result    any
	Err       *envelope.HandlerError
	ElapsedMS int64
	WorkerID  int
}

// NewTask builds a Task with a ready one-shot sink.
func NewTask(id, command string, params map[string]any, deadline time.Time, requestID, jobID string) *Task {
	return &Task{
		ID:        id,
		Command:   command,
		Params:    params,
		Deadline:  deadline,
		RequestID: requestID,
		JobID:     jobID,
		Sink:      make(chan Outcome, 1),
	}
}

// WorkerSlot is one worker goroutine's externally observable state:
// busy iff current_task_id is present, flipped only by the
// worker itself; observers read it lock-free.
type WorkerSlot struct {
	WorkerID int

	busy    atomic.Bool
	current atomic.Value // string
}

func newWorkerSlot(id int) *WorkerSlot {
	w := &WorkerSlot{WorkerID: id}
	w.current.Store("")
	return w
}

func (w *WorkerSlot) setRunning(taskID string) {
	w.current.Store(taskID)
	w.busy.Store(true)
}

func (w *WorkerSlot) setIdle() {
	w.busy.Store(false)
	w.current.Store("")
}

// Busy reports whether the worker currently has a task in flight.
func (w *WorkerSlot) Busy() bool { return w.busy.Load() }

// CurrentTaskID returns the task id the worker is running, or "" if idle.
func (w *WorkerSlot) CurrentTaskID() string { return w.current.Load().(string) }
