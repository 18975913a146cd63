package repository

import (
	"context"
	"os"
	"path/filepath"

	"github.com/amankumarsingh77/comfyui-router/internal/models"
	"github.com/amankumarsingh77/comfyui-router/internal/output"
)

// localRepository reads ComfyUI's output directory over a shared mount.
type localRepository struct {
	outputDir string
}

func NewLocalRepository(outputDir string) output.Backend {
	return &localRepository{outputDir: outputDir}
}

// List merges the files named in the prompt history with whatever matches
// <prefix>_* on disk, since history can be reported before the mount
// catches up.
func (r *localRepository) List(_ context.Context, h *models.JobHandle, prefix string) ([]output.Candidate, error) {
	seen := map[string]bool{}
	var out []output.Candidate
	add := func(name, path string) {
		if seen[path] {
			return
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return
		}
		seen[path] = true
		out = append(out, output.Candidate{Name: name, Ref: path, Size: info.Size()})
	}

	for _, f := range h.Outputs {
		if f.Type != "" && f.Type != "output" {
			continue
		}
		add(f.Filename, filepath.Join(r.outputDir, f.Subfolder, f.Filename))
	}

	matches, err := filepath.Glob(filepath.Join(r.outputDir, globEscape(prefix)+"_*"))
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		add(filepath.Base(m), m)
	}
	return out, nil
}

func (r *localRepository) Materialize(_ context.Context, c output.Candidate) (*models.Artifact, error) {
	if _, err := os.Stat(c.Ref); err != nil {
		return nil, err
	}
	return &models.Artifact{Path: c.Ref, Source: c.Ref}, nil
}
