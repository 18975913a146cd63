package output

import (
	"context"

	"github.com/amankumarsingh77/comfyui-router/internal/models"
)

// Candidate is one file a backend can see. Size is -1 when the backend
// cannot report it.
type Candidate struct {
	Name string
	Ref  string
	Size int64
}

// Backend lists what ComfyUI has produced for a prompt and turns the chosen
// candidate into a local artifact.
type Backend interface {
	List(ctx context.Context, h *models.JobHandle, prefix string) ([]Candidate, error)
	Materialize(ctx context.Context, c Candidate) (*models.Artifact, error)
}
