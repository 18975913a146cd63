package models

import "time"

type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// OutputFile is one file a ComfyUI node reported in the job history.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// JobHandle tracks a submitted ComfyUI prompt.
type JobHandle struct {
	JobID       string       `json:"job_id" redis:"job_id"`
	SubmittedAt time.Time    `json:"submitted_at" redis:"submitted_at"`
	Status      JobStatus    `json:"status" redis:"status"`
	Outputs     []OutputFile `json:"outputs" redis:"-"`
	Error       string       `json:"error,omitempty" redis:"error"`
}

func NewJobHandle(id string, submittedAt time.Time) *JobHandle {
	return &JobHandle{JobID: id, SubmittedAt: submittedAt, Status: JobStatusPending}
}

// Advance moves the handle to next. It returns false and leaves the
// handle untouched once a terminal status has been recorded.
func (h *JobHandle) Advance(next JobStatus) bool {
	if h.Status.Terminal() {
		return false
	}
	h.Status = next
	return true
}
