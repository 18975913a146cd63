package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/amankumarsingh77/comfyui-router/internal/config"
	"github.com/amankumarsingh77/comfyui-router/pkg/logger"
	"github.com/amankumarsingh77/comfyui-router/pkg/retry"
	"github.com/amankumarsingh77/comfyui-router/pkg/utils"
)

const defaultCheckInterval = 5 * time.Second

// BatchResult counts the outcomes of one RunBatch call.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
}

type Worker struct {
	logger    logger.Logger
	processor *Processor
	cfg       *config.Config
	cpuCheck  func(maxCPUUsage float64) (bool, float64)
}

func NewWorker(cfg *config.Config, logger logger.Logger, processor *Processor) *Worker {
	return &Worker{
		logger:    logger,
		processor: processor,
		cfg:       cfg,
		cpuCheck:  utils.CheckCPUUsage,
	}
}

// RunBatch processes the videos in the input directory one at a time, in
// name order. limit <= 0 means all of them. Inputs locked by another run
// are skipped. Before each input it waits until CPU usage is under the
// configured ceiling.
func (w *Worker) RunBatch(ctx context.Context, limit int) (BatchResult, error) {
	var result BatchResult

	if days := w.cfg.Cleanup.PurgeDays; days > 0 && w.cfg.Paths.TrashDir != "" {
		n, err := w.processor.Cleaner.PurgeTrash(days)
		if err != nil {
			w.logger.Warnf("purge trash: %v", err)
		} else if n > 0 {
			w.logger.Infof("purged %d trash folders older than %d days", n, days)
		}
	}

	files, err := utils.ListVideos(w.cfg.Paths.InputDir)
	if err != nil {
		return result, errors.Wrapf(err, "list %s", w.cfg.Paths.InputDir)
	}
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	result.Total = len(files)
	w.logger.Infof("batch of %d inputs from %s", len(files), w.cfg.Paths.InputDir)

	for i, f := range files {
		if err := w.waitForCPU(ctx); err != nil {
			return result, err
		}
		w.logger.Infof("[%d/%d] %s", i+1, len(files), f)

		_, err := w.processor.Process(ctx, f)
		switch {
		case err == nil:
			result.Succeeded++
		case errors.Is(err, ErrLocked):
			result.Skipped++
			w.logger.Infof("skipping %s: %v", f, err)
		default:
			result.Failed++
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}

	w.logger.Infof("batch done: %d succeeded, %d failed, %d skipped", result.Succeeded, result.Failed, result.Skipped)
	return result, nil
}

func (w *Worker) waitForCPU(ctx context.Context) error {
	ceiling := w.cfg.Worker.MaxCPUUsage
	if ceiling <= 0 {
		return ctx.Err()
	}
	interval := w.cfg.Worker.CheckInterval
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		canAccept, usage := w.cpuCheck(ceiling)
		if canAccept {
			return nil
		}
		w.logger.Infof("CPU usage is high: %.1f%%, waiting %s", usage, interval)
		if err := retry.Sleep(ctx, interval); err != nil {
			return err
		}
	}
}
