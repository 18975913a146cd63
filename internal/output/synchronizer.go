// Package output waits for the artifact of a finished ComfyUI prompt to
// become visible and hands it to the transcoder.
package output

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/amankumarsingh77/comfyui-router/internal/config"
	"github.com/amankumarsingh77/comfyui-router/internal/models"
	"github.com/amankumarsingh77/comfyui-router/pkg/logger"
	"github.com/amankumarsingh77/comfyui-router/pkg/retry"
)

var ErrOutputNotFound = errors.New("output artifact not found")

const audioSuffix = "-audio"

var videoExt = map[string]bool{".mp4": true, ".mkv": true, ".mov": true, ".webm": true}

type Synchronizer struct {
	backend      Backend
	policy       retry.Policy
	stableChecks int
	log          logger.Logger
}

func NewSynchronizer(backend Backend, cfg config.OutputConfig, visibility config.RetryConfig, log logger.Logger) *Synchronizer {
	return &Synchronizer{
		backend:      backend,
		policy:       visibility.Policy(),
		stableChecks: cfg.StableChecks,
		log:          log,
	}
}

// Fetch polls the backend until an artifact for prefix is visible and, when
// stable checks are configured, its size has not changed for that many
// consecutive polls.
func (s *Synchronizer) Fetch(ctx context.Context, h *models.JobHandle, prefix string, expectAudio bool) (*models.Artifact, error) {
	if h.Status != models.JobStatusComplete {
		return nil, errors.Errorf("prompt %s is %s, not complete", h.JobID, h.Status)
	}

	var (
		chosen  *Candidate
		stable  int
		lastErr error
	)
	err := retry.Until(ctx, s.policy, func(ctx context.Context, attempt int) (bool, error) {
		cands, err := s.backend.List(ctx, h, prefix)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			lastErr = err
			s.log.Debugf("list outputs for %s (attempt %d): %v", prefix, attempt, err)
			return false, nil
		}
		c := Pick(cands, prefix, expectAudio)
		if c == nil {
			s.log.Debugf("no output for %s yet (attempt %d)", prefix, attempt)
			return false, nil
		}
		if s.stableChecks <= 0 || c.Size < 0 {
			chosen = c
			return true, nil
		}
		if chosen != nil && chosen.Ref == c.Ref && chosen.Size == c.Size {
			stable++
		} else {
			stable = 0
		}
		chosen = c
		return stable >= s.stableChecks, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		if lastErr != nil {
			return nil, errors.Wrapf(ErrOutputNotFound, "%s after %d checks: %v", prefix, s.policy.MaxAttempts, lastErr)
		}
		return nil, errors.Wrapf(ErrOutputNotFound, "%s after %d checks", prefix, s.policy.MaxAttempts)
	}
	if err != nil {
		return nil, err
	}

	art, err := s.backend.Materialize(ctx, *chosen)
	if err != nil {
		return nil, errors.Wrapf(ErrOutputNotFound, "retrieve %s: %v", chosen.Ref, err)
	}
	s.log.Infof("output ready: %s", art.Path)
	return art, nil
}

// Pick chooses the artifact among candidates named <prefix>_*. When audio is
// expected only the "-audio" variant of the first video is accepted, since
// VideoHelperSuite writes the silent file first.
func Pick(cands []Candidate, prefix string, expectAudio bool) *Candidate {
	var matches []Candidate
	for _, c := range cands {
		if strings.HasPrefix(c.Name, prefix+"_") && videoExt[strings.ToLower(filepath.Ext(c.Name))] {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })

	var silent, withAudio []Candidate
	for _, c := range matches {
		if strings.HasSuffix(strings.TrimSuffix(c.Name, filepath.Ext(c.Name)), audioSuffix) {
			withAudio = append(withAudio, c)
		} else {
			silent = append(silent, c)
		}
	}

	if !expectAudio {
		if len(silent) > 0 {
			return &silent[0]
		}
		return &withAudio[0]
	}
	if len(silent) == 0 {
		return &withAudio[0]
	}
	stem := strings.TrimSuffix(silent[0].Name, filepath.Ext(silent[0].Name))
	for i := range withAudio {
		if strings.TrimSuffix(withAudio[i].Name, filepath.Ext(withAudio[i].Name)) == stem+audioSuffix {
			return &withAudio[i]
		}
	}
	return nil
}
