package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p01/dispatchd/internal/dispatch"
	"github.com/p01/dispatchd/internal/envelope"
	"github.com/p01/dispatchd/internal/ids"
	"github.com/p01/dispatchd/internal/registry"
)

// ErrNotFound is returned by lookups for an unknown job id.
var ErrNotFound = fmt.Errorf("jobs: not found")

// Manager owns the in-memory job table and its durable journal, and
// schedules job execution through the same command pools synchronous
// requests use. It never holds a back-reference into a worker — workers
// only ever see their own Command and publish into a one-shot Sink.
type Manager struct {
	reg        *registry.Registry
	dispatcher *dispatch.Manager
	journal    *Journal
	logger     *slog.Logger

	mu      sync.Mutex // guards jobs + cancels
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc

	journalMu sync.Mutex // serializes journal writes, separate from status reads

	resumedCount atomic.Int64
	lostCount    atomic.Int64

	taskTimeout time.Duration
}

// NewManager builds a job registry backed by dataDir's journal file.
// taskTimeout is the per-task deadline (task_timeout_ms) applied to job
// execution the same way it is applied to synchronous requests. logger is
// the process-wide structured logger (journal write failures log through
// it, never fmt.Println).
func NewManager(reg *registry.Registry, dispatcher *dispatch.Manager, journal *Journal, taskTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		reg:         reg,
		dispatcher:  dispatcher,
		journal:     journal,
		logger:      logger,
		jobs:        make(map[string]*Job),
		cancels:     make(map[string]context.CancelFunc),
		taskTimeout: taskTimeout,
	}
}

// Load reads the journal and applies the crash-resume policy: a job found
// "running" at load time is re-flagged "pending" if its command is
// deterministic (safe to silently re-run), else flipped to
// "error{reason:lost}" so a non-deterministic job is never silently
// replayed. Jobs left pending from before the crash are re-dispatched.
func (m *Manager) Load() error {
	loaded, err := m.journal.Load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	var toResume []*Job
	for _, j := range loaded {
		if j.Status == StatusRunning {
			if h, ok := m.reg.Resolve(j.Command); ok && h.Deterministic {
				j.Status = StatusPending
				m.resumedCount.Add(1)
				toResume = append(toResume, j)
			} else {
				j.Status = StatusError
				j.Error = "lost"
				m.lostCount.Add(1)
			}
		} else if j.Status == StatusPending {
			toResume = append(toResume, j)
		}
		m.jobs[j.JobID] = j
	}
	m.mu.Unlock()

	if err := m.saveSnapshot(); err != nil {
		return err
	}

	for _, j := range toResume {
		m.dispatchJob(j)
	}
	return nil
}

// ResumedCount returns how many jobs were resumed from a "running" state
// found deterministic at load time.
func (m *Manager) ResumedCount() int64 { return m.resumedCount.Load() }

// LostCount returns how many jobs were marked error{reason:lost} because
// their command is non-deterministic and cannot be safely replayed.
func (m *Manager) LostCount() int64 { return m.lostCount.Load() }

// Submit validates task against the registry, creates a Job in status
// pending, persists it to the journal before returning, and dispatches
// it asynchronously.
func (m *Manager) Submit(command string, rawParams map[string]string) (string, *envelope.HandlerError) {
	h, ok := m.reg.Resolve(command)
	if !ok {
		return "", envelope.NewError(envelope.KindNotFound, "unknown command "+command)
	}
	parsed, perr := h.Parse(rawParams)
	if perr != nil {
		return "", perr.ToHandlerError()
	}

	job := &Job{
		JobID:       ids.NewJobID(),
		Command:     command,
		Params:      rawParams,
		Status:      StatusPending,
		SubmittedAt: time.Now().UnixMilli(),
	}

	m.mu.Lock()
	m.jobs[job.JobID] = job
	m.mu.Unlock()

	if err := m.saveSnapshot(); err != nil {
		// Journal write failure: log-and-continue — never lose
		// an acknowledged state to the client, but the job stays valid
		// in memory and the next transition retries the write.
		m.logger.Error("journal write failed on submit", "job_id", job.JobID, "error", err)
	}

	m.dispatchJobWithParams(job, parsed)
	return job.JobID, nil
}

// dispatchJob re-parses a resumed job's raw params before dispatching it.
func (m *Manager) dispatchJob(j *Job) {
	h, ok := m.reg.Resolve(j.Command)
	if !ok {
		m.transitionError(j.JobID, "command no longer registered: "+j.Command)
		return
	}
	parsed, perr := h.Parse(j.Params)
	if perr != nil {
		m.transitionError(j.JobID, perr.ToHandlerError().Message)
		return
	}
	m.dispatchJobWithParams(j, parsed)
}

func (m *Manager) dispatchJobWithParams(j *Job, parsed map[string]any) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[j.JobID] = cancel
	m.mu.Unlock()

	task := dispatch.NewTask(j.JobID, j.Command, parsed, time.Now().Add(m.taskTimeout), "", j.JobID)
	task.ParentCtx = ctx

	go func() {
		defer cancel()
		defer func() {
			m.mu.Lock()
			delete(m.cancels, j.JobID)
			m.mu.Unlock()
		}()
		if !m.transitionRunning(j.JobID) {
			// Already moved out of pending (cancelled before dispatch) — the
			// spec requires a still-pending cancel to skip dispatch entirely.
			return
		}

		out, herr := m.dispatcher.SubmitAndWait(j.Command, task)
		if herr != nil {
			// Admission/dispatch failure before the worker ever ran — the
			// job never entered "running" successfully, so this is an
			// error transition, not a cancellation.
			m.transitionError(j.JobID, herr.Error())
			return
		}
		m.finish(j.JobID, out)
	}()
}

// transitionRunning moves a pending job to running and reports whether it
// did so. It is a no-op (returning false) if the job was already moved out
// of pending by a concurrent cancel — the caller must then skip dispatch.
func (m *Manager) transitionRunning(jobID string) bool {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status != StatusPending {
		m.mu.Unlock()
		return false
	}
	now := time.Now().UnixMilli()
	j.Status = StatusRunning
	j.StartedAt = &now
	m.mu.Unlock()
	m.persistTransition(jobID)
	return true
}

func (m *Manager) finish(jobID string, out dispatch.Outcome) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status.terminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now().UnixMilli()
	j.FinishedAt = &now

	switch {
	case out.Err != nil && out.Err.Kind == envelope.KindTimeout:
		j.Status = StatusCancelled
	case out.Err != nil:
		j.Status = StatusError
		j.Error = out.Err.Message
	case j.CancelRequested:
		j.Status = StatusCancelled
	default:
		j.Status = StatusDone
		if b, err := json.Marshal(out.Result); err == nil {
			j.Result = b
		}
	}
	m.mu.Unlock()
	m.persistTransition(jobID)
}

func (m *Manager) transitionError(jobID, message string) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status.terminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now().UnixMilli()
	j.Status = StatusError
	j.Error = message
	j.FinishedAt = &now
	m.mu.Unlock()
	m.persistTransition(jobID)
}

func (m *Manager) persistTransition(jobID string) {
	if err := m.saveSnapshot(); err != nil {
		m.logger.Error("journal write failed on transition", "job_id", jobID, "error", err)
	}
}

// saveSnapshot serializes every known job under the status lock's data but
// performs the actual file write under a separate journal lock, so a
// concurrent /jobs/status read never blocks on disk I/O.
func (m *Manager) saveSnapshot() error {
	m.mu.Lock()
	snapshot := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		snapshot = append(snapshot, j.clone())
	}
	m.mu.Unlock()

	m.journalMu.Lock()
	defer m.journalMu.Unlock()
	return m.journal.Save(snapshot)
}

// Status returns a job's status view, never the result.
func (m *Manager) Status(jobID string) (StatusView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return StatusView{}, false
	}
	return j.statusView(), true
}

// ErrResultConflict is returned by Result when the job has not reached a
// state that carries a result or error yet.
var ErrResultConflict = fmt.Errorf("jobs: result not available in current status")

// Result returns the stored result for a done job, the error message for
// an errored job, or ErrResultConflict for any other status.
func (m *Manager) Result(jobID string) (json.RawMessage, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, "", ErrNotFound
	}
	switch j.Status {
	case StatusDone:
		return j.Result, "", nil
	case StatusError:
		return nil, j.Error, nil
	default:
		return nil, "", ErrResultConflict
	}
}

// Cancel flips cancel_requested. A still-pending job is transitioned to
// cancelled without ever being dispatched; a running job has its
// cooperative cancel token raised.
func (m *Manager) Cancel(jobID string) (Status, error) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return "", ErrNotFound
	}
	j.CancelRequested = true

	switch j.Status {
	case StatusPending:
		now := time.Now().UnixMilli()
		j.Status = StatusCancelled
		j.FinishedAt = &now
		status := j.Status
		m.mu.Unlock()
		m.persistTransition(jobID)
		return status, nil
	case StatusRunning:
		cancel := m.cancels[jobID]
		status := j.Status
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return status, nil
	default:
		status := j.Status
		m.mu.Unlock()
		return status, nil
	}
}

// List returns a lightweight view of every known job (used
// to build /jobs/list-style summaries and /metrics job totals).
func (m *Manager) List() []ListEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ListEntry, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, ListEntry{JobID: j.JobID, Command: j.Command, Status: j.Status})
	}
	return out
}

// CountsByStatus returns job totals grouped by status, for /metrics.
func (m *Manager) CountsByStatus() map[Status]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[Status]int64{
		StatusPending:   0,
		StatusRunning:   0,
		StatusDone:      0,
		StatusCancelled: 0,
		StatusError:     0,
	}
	for _, j := range m.jobs {
		out[j.Status]++
	}
	return out
}
