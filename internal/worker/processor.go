package worker

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/amankumarsingh77/comfyui-router/internal/cleanup"
	"github.com/amankumarsingh77/comfyui-router/internal/comfy"
	"github.com/amankumarsingh77/comfyui-router/internal/config"
	"github.com/amankumarsingh77/comfyui-router/internal/models"
	"github.com/amankumarsingh77/comfyui-router/internal/output"
	"github.com/amankumarsingh77/comfyui-router/internal/probe"
	"github.com/amankumarsingh77/comfyui-router/internal/runs"
	"github.com/amankumarsingh77/comfyui-router/internal/transcode"
	"github.com/amankumarsingh77/comfyui-router/internal/workflow"
	"github.com/amankumarsingh77/comfyui-router/pkg/logger"
	"github.com/amankumarsingh77/comfyui-router/pkg/utils"
)

const (
	defaultLockTTL = 2 * time.Hour
	finishTimeout  = 10 * time.Second
)

// Deps are the pipeline stages a Processor sequences.
type Deps struct {
	Prober       *probe.Prober
	Selector     *workflow.Selector
	Client       *comfy.Client
	Synchronizer *output.Synchronizer
	Transcoder   *transcode.Transcoder
	Cleaner      *cleanup.Cleaner
	Locks        runs.LockRepository
	History      runs.Repository
}

// Processor runs one input file through the whole pipeline.
type Processor struct {
	Deps
	cfg     *config.Config
	logger  logger.Logger
	freeRAM func() (float64, error)
	now     func() time.Time
}

func NewProcessor(cfg *config.Config, logger logger.Logger, deps Deps) *Processor {
	return &Processor{
		Deps:    deps,
		cfg:     cfg,
		logger:  logger,
		freeRAM: utils.FreeRAMRatio,
		now:     time.Now,
	}
}

// Process takes the input through lock, probe, select, deinterlace, submit,
// wait, fetch, output checks and transcode. Temporary files are removed and the lock released on every
// path, including cancellation. The returned record is never nil.
func (p *Processor) Process(ctx context.Context, inputPath string) (rec *models.RunRecord, err error) {
	if abs, absErr := filepath.Abs(inputPath); absErr == nil {
		inputPath = abs
	}
	rec = &models.RunRecord{
		RunID:     uuid.New(),
		InputPath: inputPath,
		Status:    models.RunStatusRunning,
		StartedAt: p.now(),
	}
	log := p.logger.With("run", rec.ShortID(), "input", filepath.Base(inputPath))

	ttl := p.cfg.Timeouts.Lock
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	locked, err := p.Locks.Acquire(ctx, inputPath, ttl)
	if err != nil {
		return p.fail(rec, errors.Wrap(err, "acquire run lock"))
	}
	if !locked {
		return p.fail(rec, errors.Wrapf(ErrLocked, "%s", inputPath))
	}

	r := &run{rec: rec, log: log}
	defer func() {
		p.finish(r, err)
	}()

	if hErr := p.History.Create(ctx, rec); hErr != nil {
		log.Warnf("record run start: %v", hErr)
	}
	p.publish(ctx, r)

	err = p.pipeline(ctx, r)
	return rec, err
}

// run is the mutable state of one Process call.
type run struct {
	rec      *models.RunRecord
	log      logger.Logger
	prefix   string
	artifact *models.Artifact
	// deinterlaced is the progressive copy submitted in place of the input.
	deinterlaced string
}

func (p *Processor) pipeline(ctx context.Context, r *run) error {
	rec := r.rec

	probeCtx, cancel := withTimeout(ctx, p.cfg.Timeouts.Probe)
	res, err := p.Prober.Probe(probeCtx, rec.InputPath)
	cancel()
	if err != nil {
		return err
	}
	rec.Width, rec.Height = res.Width, res.Height
	r.log.Infof("probed %s", res)

	tpl, err := p.Selector.Select(*res)
	if err != nil {
		return err
	}
	rec.Workflow = tpl.Name

	r.prefix = utils.Stem(rec.InputPath) + "_" + rec.ShortID()
	source := p.deinterlace(ctx, r, res)
	inputRef := utils.VisiblePath(p.cfg.Paths.HostRoot, p.cfg.Paths.VisibleRoot, source)
	frames := p.framesPerBatch(res)
	payload, err := workflow.BuildPayload(tpl, inputRef, r.prefix, frames)
	if err != nil {
		return err
	}
	r.log.Infof("workflow %s, prefix %s, frames per batch %d", tpl.Name, r.prefix, frames)

	submitCtx, cancel := withTimeout(ctx, p.cfg.Timeouts.Submit)
	h, err := p.Client.Submit(submitCtx, payload)
	cancel()
	if err != nil {
		return err
	}
	rec.JobID = h.JobID
	p.publish(ctx, r)

	h, err = p.Client.Wait(ctx, h)
	if err != nil {
		return err
	}

	art, err := p.Synchronizer.Fetch(ctx, h, r.prefix, res.HasAudio)
	if err != nil {
		return err
	}
	r.artifact = art
	rec.ArtifactPath = art.Path

	srcFPS := res.FPS
	var filters []string
	probeCtx, cancel = withTimeout(ctx, p.cfg.Timeouts.Probe)
	out, pErr := p.Prober.Probe(probeCtx, art.Path)
	cancel()
	if pErr != nil {
		r.log.Warnf("read artifact metadata, using source fps %.3f: %v", srcFPS, pErr)
		out = &models.Resolution{}
	}
	if out.FPS > 0 {
		srcFPS = out.FPS
	}
	if dErr := durationDrift(res.Duration, out.Duration, p.cfg.Checks); dErr != nil {
		r.log.Warnf("output duration: %v", dErr)
	}
	t := p.cfg.Transcode
	if vf, size, ok := transcode.ResolutionFilter(out.Width, out.Height, t.StandardSizes, t.SizeTolerance); ok {
		r.log.Infof("artifact is %dx%d, fitting to %dx%d", out.Width, out.Height, size.Width, size.Height)
		filters = append(filters, vf)
	}

	dst := filepath.Join(p.cfg.Paths.DeliveryDir, utils.Stem(rec.InputPath)+"."+t.Container)
	tcCtx, cancel := withTimeout(ctx, p.cfg.Timeouts.Transcode)
	err = p.Transcoder.Transcode(tcCtx, art, dst, srcFPS, filters...)
	cancel()
	if err != nil {
		return err
	}
	rec.DeliveryPath = dst
	r.log.Infof("delivered %s", dst)

	if p.cfg.Cleanup.TrashSource {
		if moved, tErr := p.Cleaner.MoveToTrash(rec.InputPath); tErr != nil {
			r.log.Warnf("move source to trash: %v", tErr)
		} else {
			r.log.Infof("source moved to %s", moved)
		}
	}
	return nil
}

// finish removes the run's temporary files, releases the lock and records
// the outcome. It uses its own context so it still runs after cancellation.
func (p *Processor) finish(r *run, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	rec := r.rec
	if r.artifact != nil && r.artifact.Remote {
		if err := p.Cleaner.Remove(r.artifact.Path); err != nil {
			r.log.Warnf("remove downloaded artifact: %v", err)
		}
	}
	if r.deinterlaced != "" {
		if err := p.Cleaner.Remove(r.deinterlaced); err != nil {
			r.log.Warnf("remove deinterlaced copy: %v", err)
		}
	}
	if r.prefix != "" && p.cfg.Output.Backend == config.BackendLocal {
		n, err := p.Cleaner.SweepIntermediates(p.cfg.Paths.OutputDir, r.prefix)
		if err != nil {
			r.log.Warnf("sweep intermediates: %v", err)
		} else if n > 0 {
			r.log.Debugf("removed %d intermediate files", n)
		}
	}

	if err := p.Locks.Release(ctx, rec.InputPath); err != nil {
		r.log.Warnf("release lock: %v", err)
	}

	rec.FinishedAt = p.now()
	if runErr != nil {
		rec.Status = models.RunStatusFailed
		rec.Error = runErr.Error()
		r.log.Errorf("run failed after %s: %v", rec.FinishedAt.Sub(rec.StartedAt), runErr)
	} else {
		rec.Status = models.RunStatusSucceeded
		r.log.Infof("run finished in %s", rec.FinishedAt.Sub(rec.StartedAt))
	}
	p.publish(ctx, r)
	if err := p.History.Finish(ctx, rec); err != nil {
		r.log.Warnf("record run result: %v", err)
	}
}

func (p *Processor) fail(rec *models.RunRecord, err error) (*models.RunRecord, error) {
	rec.Status = models.RunStatusFailed
	rec.Error = err.Error()
	rec.FinishedAt = p.now()
	return rec, err
}

func (p *Processor) publish(ctx context.Context, r *run) {
	if err := p.Locks.SetStatus(ctx, r.rec); err != nil {
		r.log.Warnf("publish run status: %v", err)
	}
}

// deinterlace returns the file ComfyUI should read. Interlaced inputs get a
// yadif pass into the work dir when enabled; a failed pass falls back to the
// original input.
func (p *Processor) deinterlace(ctx context.Context, r *run, res *models.Resolution) string {
	src := r.rec.InputPath
	if !p.cfg.Transcode.Deinterlace || !res.Interlaced() {
		return src
	}
	dst := filepath.Join(p.cfg.Paths.WorkDir, r.prefix+"_deint.mp4")
	r.log.Infof("input is interlaced (%s), deinterlacing", res.FieldOrder)

	dCtx, cancel := withTimeout(ctx, p.cfg.Timeouts.Transcode)
	defer cancel()
	if err := p.Transcoder.Deinterlace(dCtx, src, dst); err != nil {
		r.log.Warnf("deinterlace failed, submitting original: %v", err)
		return src
	}
	r.deinterlaced = dst
	return dst
}

// durationDrift compares the artifact duration with the source's. It
// returns nil when the source duration is unknown or the drift is within
// the configured limits.
func durationDrift(expected, actual float64, c config.ChecksConfig) error {
	if expected <= 0 || (c.DurationDelta <= 0 && c.DurationRatio <= 0) {
		return nil
	}
	if actual <= 0 {
		return errors.New("artifact duration unreadable")
	}
	delta := math.Abs(actual - expected)
	ratio := delta / expected
	if (c.DurationDelta > 0 && delta > c.DurationDelta.Seconds()) || (c.DurationRatio > 0 && ratio > c.DurationRatio) {
		return fmt.Errorf("expected %.2fs, got %.2fs (delta %.2fs, %.1f%%)", expected, actual, delta, ratio*100)
	}
	return nil
}

// framesPerBatch returns the VHS batch size for the input, or 0 to leave
// the template value alone.
func (p *Processor) framesPerBatch(res *models.Resolution) int {
	b := p.cfg.Batch
	if b.MaxSize <= 0 {
		return 0
	}
	maxSize := b.MaxSize
	if b.Adaptive.Enabled {
		free, err := p.freeRAM()
		if err != nil {
			p.logger.Warnf("read free memory, using max batch %d: %v", maxSize, err)
		} else {
			maxSize = workflow.AdaptiveBatchCap(free, b.Adaptive, b.MinSize, b.MaxSize)
		}
	}
	if res.NbFrames <= 0 || b.MinSize <= 0 {
		return maxSize
	}
	return workflow.OptimalBatchSize(res.NbFrames, b.MinSize, maxSize)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
