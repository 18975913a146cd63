// Package workflow routes a probed input to a ComfyUI workflow template and
// prepares the prompt payload submitted for it.
package workflow

import (
	"github.com/pkg/errors"

	"github.com/amankumarsingh77/comfyui-router/internal/config"
	"github.com/amankumarsingh77/comfyui-router/internal/models"
)

var ErrNoWorkflowMatch = errors.New("no workflow template matches")

// FallbackBucket names the route taken when no bucket matches.
const FallbackBucket = "fallback"

type Selector struct {
	buckets   []config.Bucket
	fallback  string
	templates map[string]models.Template
}

func NewSelector(cfg config.WorkflowsConfig, templates map[string]models.Template) *Selector {
	buckets := make([]config.Bucket, len(cfg.Buckets))
	copy(buckets, cfg.Buckets)
	return &Selector{buckets: buckets, fallback: cfg.Fallback, templates: templates}
}

// Route returns the bucket and template name for res without checking that
// the template was loaded. Buckets are tried in order and the first one
// whose bounds contain res wins.
func (s *Selector) Route(res models.Resolution) (bucket, template string) {
	for _, b := range s.buckets {
		if res.Width > b.MaxWidth || res.Height > b.MaxHeight {
			continue
		}
		if b.MaxFPS > 0 && res.FPS > b.MaxFPS {
			continue
		}
		return b.Name, b.Template
	}
	return FallbackBucket, s.fallback
}

func (s *Selector) Select(res models.Resolution) (models.Template, error) {
	bucket, name := s.Route(res)
	tpl, ok := s.templates[name]
	if !ok {
		return models.Template{}, errors.Wrapf(ErrNoWorkflowMatch, "%s routed to bucket %q but template %q is not loaded", res, bucket, name)
	}
	return tpl, nil
}
