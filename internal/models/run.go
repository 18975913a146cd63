package models

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is the history row for processing one input file.
type RunRecord struct {
	RunID        uuid.UUID `json:"run_id" db:"run_id"`
	InputPath    string    `json:"input_path" db:"input_path"`
	Workflow     string    `json:"workflow" db:"workflow"`
	JobID        string    `json:"job_id" db:"job_id"`
	Width        int       `json:"width" db:"width"`
	Height       int       `json:"height" db:"height"`
	ArtifactPath string    `json:"artifact_path" db:"artifact_path"`
	DeliveryPath string    `json:"delivery_path" db:"delivery_path"`
	Status       RunStatus `json:"status" db:"status"`
	Error        string    `json:"error" db:"error"`
	StartedAt    time.Time `json:"started_at" db:"started_at"`
	FinishedAt   time.Time `json:"finished_at" db:"finished_at"`
}

// ShortID is the run id prefix used in ComfyUI filename prefixes.
func (r *RunRecord) ShortID() string {
	return r.RunID.String()[:8]
}
