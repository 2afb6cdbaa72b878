// Package jobs implements the persisted job registry: the
// state machine for long-lived tasks submitted via /jobs/submit, the
// write-temp-then-rename journal that survives a crash, and the
// deterministic/non-deterministic crash-resume policy.
package jobs

import "encoding/json"

// Status is a Job's lifecycle state. Transitions follow
// pending -> {running, cancelled}; running -> {done, error, cancelled};
// terminal states never change.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

func (s Status) terminal() bool {
	switch s {
	case StatusDone, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}

// Job is a persisted, externally addressable Task whose lifecycle outlives
// the originating HTTP call.
type Job struct {
	JobID           string            `json:"job_id"`
	Command         string            `json:"command"`
	Params          map[string]string `json:"params"`
	Status          Status            `json:"status"`
	SubmittedAt     int64             `json:"submitted_at"`
	StartedAt       *int64            `json:"started_at,omitempty"`
	FinishedAt      *int64            `json:"finished_at,omitempty"`
	Result          json.RawMessage   `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
}

// clone deep-copies j so callers holding a registry lock can hand out a
// snapshot no one else can mutate.
func (j *Job) clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		v := *j.StartedAt
		cp.StartedAt = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		cp.FinishedAt = &v
	}
	if j.Params != nil {
		cp.Params = make(map[string]string, len(j.Params))
		for k, v := range j.Params {
			cp.Params[k] = v
		}
	}
	if j.Result != nil {
		cp.Result = append(json.RawMessage(nil), j.Result...)
	}
	return &cp
}

// StatusView is what /jobs/status returns: status and timestamps, never
// the result.
type StatusView struct {
	JobID       string `json:"job_id"`
	Command     string `json:"command"`
	Status      Status `json:"status"`
	SubmittedAt int64  `json:"submitted_at"`
	StartedAt   *int64 `json:"started_at,omitempty"`
	FinishedAt  *int64 `json:"finished_at,omitempty"`
}

func (j *Job) statusView() StatusView {
	return StatusView{
		JobID:       j.JobID,
		Command:     j.Command,
		Status:      j.Status,
		SubmittedAt: j.SubmittedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}
}

// ListEntry is one row of /jobs/list: lighter than the full Job.
type ListEntry struct {
	JobID   string `json:"job_id"`
	Command string `json:"command"`
	Status  Status `json:"status"`
}
