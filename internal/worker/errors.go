package worker

import (
	"github.com/pkg/errors"

	"github.com/amankumarsingh77/comfyui-router/internal/comfy"
	"github.com/amankumarsingh77/comfyui-router/internal/output"
	"github.com/amankumarsingh77/comfyui-router/internal/probe"
	"github.com/amankumarsingh77/comfyui-router/internal/transcode"
	"github.com/amankumarsingh77/comfyui-router/internal/workflow"
)

// ErrLocked means another run already holds the input file.
var ErrLocked = errors.New("input is locked by another run")

const (
	ExitOK = iota
	ExitOther
	ExitProbe
	ExitNoWorkflow
	ExitSubmission
	ExitPoll
	ExitJobFailed
	ExitOutputNotFound
	ExitTranscode
	ExitLocked
)

// ExitCode maps a run error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrLocked):
		return ExitLocked
	case errors.Is(err, probe.ErrProbe):
		return ExitProbe
	case errors.Is(err, workflow.ErrNoWorkflowMatch), errors.Is(err, workflow.ErrInvalidTemplate):
		return ExitNoWorkflow
	case errors.Is(err, comfy.ErrSubmission):
		return ExitSubmission
	case errors.Is(err, comfy.ErrJobFailed):
		return ExitJobFailed
	case errors.Is(err, comfy.ErrPollTimeout), errors.Is(err, comfy.ErrPoll):
		return ExitPoll
	case errors.Is(err, output.ErrOutputNotFound):
		return ExitOutputNotFound
	case errors.Is(err, transcode.ErrTranscode):
		return ExitTranscode
	default:
		return ExitOther
	}
}
