package repository

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/amankumarsingh77/comfyui-router/internal/models"
	"github.com/amankumarsingh77/comfyui-router/internal/output"
)

// Downloader fetches a history output through the ComfyUI /view endpoint.
type Downloader interface {
	Download(ctx context.Context, f models.OutputFile, dst string) error
}

type httpRepository struct {
	client  Downloader
	workDir string
}

func NewHTTPRepository(client Downloader, workDir string) output.Backend {
	return &httpRepository{client: client, workDir: workDir}
}

// List only knows what the prompt history reported; /view cannot list.
func (r *httpRepository) List(_ context.Context, h *models.JobHandle, _ string) ([]output.Candidate, error) {
	var out []output.Candidate
	for _, f := range h.Outputs {
		if f.Type != "" && f.Type != "output" {
			continue
		}
		out = append(out, output.Candidate{Name: f.Filename, Ref: path.Join(f.Subfolder, f.Filename), Size: -1})
	}
	return out, nil
}

func (r *httpRepository) Materialize(ctx context.Context, c output.Candidate) (*models.Artifact, error) {
	if err := os.MkdirAll(r.workDir, 0o755); err != nil {
		return nil, err
	}
	sub := path.Dir(c.Ref)
	if sub == "." {
		sub = ""
	}
	dst := filepath.Join(r.workDir, c.Name)
	f := models.OutputFile{Filename: c.Name, Subfolder: sub, Type: "output"}
	if err := r.client.Download(ctx, f, dst); err != nil {
		return nil, err
	}
	return &models.Artifact{Path: dst, Source: c.Ref, Remote: true}, nil
}
