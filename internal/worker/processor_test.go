package worker

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amankumarsingh77/comfyui-router/internal/comfy"
	"github.com/amankumarsingh77/comfyui-router/internal/config"
	"github.com/amankumarsingh77/comfyui-router/internal/models"
	"github.com/amankumarsingh77/comfyui-router/internal/output"
	"github.com/amankumarsingh77/comfyui-router/internal/probe"
	"github.com/amankumarsingh77/comfyui-router/internal/transcode"
	"github.com/amankumarsingh77/comfyui-router/internal/workflow"
)

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t)
	f.srv.Final = "success"
	f.srv.PendingPolls = 1
	f.renderOnComplete(t)
	input := f.writeInput(t, "clip.mp4")

	rec, err := f.proc.Process(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, ExitCode(err))

	assert.Equal(t, models.RunStatusSucceeded, rec.Status)
	assert.Equal(t, "1080p", rec.Workflow)
	assert.Equal(t, "prompt-1", rec.JobID)
	assert.Equal(t, 1920, rec.Width)
	assert.Equal(t, 1080, rec.Height)
	assert.False(t, rec.FinishedAt.Before(rec.StartedAt))
	assert.Equal(t, 2, f.srv.HistoryPolls())

	prompt := f.srv.LastPrompt()
	assert.Equal(t, input, nodeInput(prompt, "VHS_LoadVideoPath", "video"))
	assert.Equal(t, "clip_"+rec.ShortID(), promptPrefix(prompt))

	delivered := filepath.Join(f.cfg.Paths.DeliveryDir, "clip.mp4")
	assert.Equal(t, delivered, rec.DeliveryPath)
	assert.FileExists(t, delivered)
	assert.False(t, hasPartial(dirEntries(t, f.cfg.Paths.DeliveryDir)))

	assert.Empty(t, dirEntries(t, f.cfg.Paths.OutputDir), "intermediates must be swept")
	assert.Empty(t, dirEntries(t, f.cfg.Paths.WorkDir))
	assert.FileExists(t, input, "source stays unless trash_source is set")
	f.assertUnlocked(t, input)
}

func TestProcessProbeFailure(t *testing.T) {
	f := newFixture(t)
	f.tools.probeFails = true
	input := f.writeInput(t, "corrupt.mp4")

	rec, err := f.proc.Process(context.Background(), input)
	require.Error(t, err)
	assert.ErrorIs(t, err, probe.ErrProbe)
	assert.Equal(t, ExitProbe, ExitCode(err))
	assert.Equal(t, models.RunStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "Invalid data")

	assert.Zero(t, f.srv.Submissions())
	assert.Zero(t, f.tools.ffmpegCalls)
	f.assertUnlocked(t, input)
}

func TestProcessSubmissionRejected(t *testing.T) {
	f := newFixture(t)
	f.srv.SubmitStatus = http.StatusInternalServerError
	input := f.writeInput(t, "clip.mp4")

	rec, err := f.proc.Process(context.Background(), input)
	assert.ErrorIs(t, err, comfy.ErrSubmission)
	assert.Equal(t, ExitSubmission, ExitCode(err))
	assert.Equal(t, models.RunStatusFailed, rec.Status)
	assert.Empty(t, rec.JobID)

	assert.Equal(t, 1, f.srv.Submissions())
	assert.Zero(t, f.srv.HistoryPolls())
	assert.Empty(t, dirEntries(t, f.cfg.Paths.OutputDir))
	assert.Empty(t, dirEntries(t, f.cfg.Paths.DeliveryDir))
	f.assertUnlocked(t, input)
}

func TestProcessRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.srv.Final = "error"
	f.srv.ErrorMessage = "CUDA out of memory"
	input := f.writeInput(t, "clip.mp4")

	rec, err := f.proc.Process(context.Background(), input)
	assert.ErrorIs(t, err, comfy.ErrJobFailed)
	assert.Equal(t, ExitJobFailed, ExitCode(err))
	assert.Contains(t, err.Error(), "CUDA out of memory")
	assert.Equal(t, "prompt-1", rec.JobID)

	assert.Zero(t, f.tools.ffmpegCalls, "no transcode after a remote failure")
	assert.Empty(t, dirEntries(t, f.cfg.Paths.DeliveryDir))
	f.assertUnlocked(t, input)
}

func TestProcessPollTimeout(t *testing.T) {
	f := newFixture(t)
	input := f.writeInput(t, "clip.mp4")

	_, err := f.proc.Process(context.Background(), input)
	assert.ErrorIs(t, err, comfy.ErrPollTimeout)
	assert.Equal(t, ExitPoll, ExitCode(err))
	assert.Equal(t, f.cfg.Polling.Status.MaxAttempts, f.srv.HistoryPolls())
	f.assertUnlocked(t, input)
}

func TestProcessOutputNeverAppears(t *testing.T) {
	f := newFixture(t)
	f.srv.Final = "success"
	input := f.writeInput(t, "clip.mp4")

	_, err := f.proc.Process(context.Background(), input)
	assert.ErrorIs(t, err, output.ErrOutputNotFound)
	assert.Equal(t, ExitOutputNotFound, ExitCode(err))
	assert.Zero(t, f.tools.ffmpegCalls)
}

func TestProcessTranscodeFailureRemovesArtifact(t *testing.T) {
	f := newFixture(t)
	f.srv.Final = "success"
	f.renderOnComplete(t)
	f.tools.ffmpegExit = 1
	input := f.writeInput(t, "clip.mp4")

	rec, err := f.proc.Process(context.Background(), input)
	var tErr *transcode.TranscodeError
	require.ErrorAs(t, err, &tErr)
	assert.ErrorIs(t, err, transcode.ErrTranscode)
	assert.Equal(t, ExitTranscode, ExitCode(err))
	assert.Contains(t, tErr.Stderr, "Error initializing output stream")

	assert.Empty(t, rec.DeliveryPath)
	assert.Empty(t, dirEntries(t, f.cfg.Paths.DeliveryDir))
	assert.NotEmpty(t, rec.ArtifactPath)
	assert.NoFileExists(t, rec.ArtifactPath)
	assert.Empty(t, dirEntries(t, f.cfg.Paths.OutputDir), "the artifact and its by-products are removed on failure too")
	f.assertUnlocked(t, input)
}

func TestProcessLockedInput(t *testing.T) {
	f := newFixture(t)
	input := f.writeInput(t, "clip.mp4")
	ok, err := f.proc.Locks.Acquire(context.Background(), input, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := f.proc.Process(context.Background(), input)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Equal(t, ExitLocked, ExitCode(err))
	assert.Equal(t, models.RunStatusFailed, rec.Status)
	assert.Zero(t, f.tools.probeCalls)

	ok, err = f.proc.Locks.Acquire(context.Background(), input, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a locked run must not release someone else's lock")
}

func TestProcessMovesSourceToTrash(t *testing.T) {
	f := newFixture(t)
	f.cfg.Cleanup.TrashSource = true
	f.srv.Final = "success"
	f.renderOnComplete(t)
	input := f.writeInput(t, "clip.mp4")

	_, err := f.proc.Process(context.Background(), input)
	require.NoError(t, err)

	assert.NoFileExists(t, input)
	day := time.Now().Format("2006-01-02")
	assert.FileExists(t, filepath.Join(f.cfg.Paths.TrashDir, day, "clip.mp4"))
}

func TestProcessCancelledStillCleansUp(t *testing.T) {
	f := newFixture(t)
	f.srv.Final = "success"
	f.renderOnComplete(t)
	input := f.writeInput(t, "clip.mp4")

	ctx, cancel := context.WithCancel(context.Background())
	f.tools.onFFmpeg = cancel

	_, err := f.proc.Process(ctx, input)
	assert.ErrorIs(t, err, transcode.ErrTranscode)
	assert.Contains(t, err.Error(), context.Canceled.Error())
	assert.Empty(t, dirEntries(t, f.cfg.Paths.DeliveryDir))
	f.assertUnlocked(t, input)
}

func TestFramesPerBatch(t *testing.T) {
	f := newFixture(t)
	res := &models.Resolution{Width: 1920, Height: 1080, NbFrames: 250}

	assert.Equal(t, 69, f.proc.framesPerBatch(res))

	f.cfg.Batch.Adaptive = config.AdaptiveBatch{
		Enabled:             true,
		PerFrameCostPercent: 0.5,
		RAMCaps:             []config.RAMCaps{{Threshold: 0.4, Cap: 0.6}, {Threshold: 0, Cap: 0.4}},
		SpikeMargin:         0.05,
		BaselinePercent:     25,
	}
	f.proc.freeRAM = func() (float64, error) { return 0.5, nil }
	// cap (0.6-0.05)*100-25 = 30% of RAM at 0.5% per frame: 60 frames
	assert.Equal(t, 60, f.proc.framesPerBatch(res))

	f.cfg.Batch.MaxSize = 0
	assert.Zero(t, f.proc.framesPerBatch(res), "template value is kept when batching is unset")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitOther, ExitCode(os.ErrPermission))
	assert.Equal(t, ExitPoll, ExitCode(comfy.ErrPoll))
	assert.Equal(t, ExitNoWorkflow, ExitCode(errors.Wrap(workflow.ErrNoWorkflowMatch, "select")))
}

func TestProcessDeinterlacesInterlacedInput(t *testing.T) {
	f := newFixture(t)
	f.cfg.Transcode.Deinterlace = true
	f.srv.Final = "success"
	f.renderOnComplete(t)
	f.tools.streams = func(path string) string {
		if strings.HasPrefix(path, f.cfg.Paths.InputDir) {
			return videoJSON(1920, 1080, 10, "tt")
		}
		return probe1080p
	}
	input := f.writeInput(t, "clip.mp4")

	rec, err := f.proc.Process(context.Background(), input)
	require.NoError(t, err)

	deint := filepath.Join(f.cfg.Paths.WorkDir, "clip_"+rec.ShortID()+"_deint.mp4")
	assert.Equal(t, deint, nodeInput(f.srv.LastPrompt(), "VHS_LoadVideoPath", "video"))
	require.Len(t, f.tools.ffmpegArgs, 2)
	assert.True(t, hasFilter(f.tools.ffmpegArgs[0], "yadif"))
	assert.Contains(t, f.tools.ffmpegArgs[0], input)
	assert.False(t, hasFilter(f.tools.ffmpegArgs[1], "yadif"))

	assert.FileExists(t, filepath.Join(f.cfg.Paths.DeliveryDir, "clip.mp4"), "delivery keeps the source name")
	assert.Empty(t, dirEntries(t, f.cfg.Paths.WorkDir), "deinterlaced copy must be removed")
}

func TestProcessDeinterlaceFailureSubmitsOriginal(t *testing.T) {
	f := newFixture(t)
	f.cfg.Transcode.Deinterlace = true
	f.srv.Final = "success"
	f.renderOnComplete(t)
	f.tools.yadifExit = 1
	f.tools.streams = func(string) string { return videoJSON(1920, 1080, 10, "bb") }
	input := f.writeInput(t, "clip.mp4")

	rec, err := f.proc.Process(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, rec.Status)
	assert.Equal(t, input, nodeInput(f.srv.LastPrompt(), "VHS_LoadVideoPath", "video"))
	assert.Equal(t, 2, f.tools.ffmpegCalls)
	assert.Empty(t, dirEntries(t, f.cfg.Paths.WorkDir))
}

func TestProcessSkipsDeinterlace(t *testing.T) {
	tests := []struct {
		name       string
		enabled    bool
		fieldOrder string
	}{
		{"disabled", false, "tt"},
		{"progressive", true, "progressive"},
		{"unreported", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.cfg.Transcode.Deinterlace = tt.enabled
			f.srv.Final = "success"
			f.renderOnComplete(t)
			f.tools.streams = func(string) string { return videoJSON(1920, 1080, 10, tt.fieldOrder) }
			input := f.writeInput(t, "clip.mp4")

			_, err := f.proc.Process(context.Background(), input)
			require.NoError(t, err)
			assert.Equal(t, input, nodeInput(f.srv.LastPrompt(), "VHS_LoadVideoPath", "video"))
			assert.Equal(t, 1, f.tools.ffmpegCalls)
		})
	}
}

func TestProcessFitsArtifactToStandardSize(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		filter        string
	}{
		{"pillarboxed", 1440, 1080, "scale=1920:1080:force_original_aspect_ratio=decrease,pad=1920:1080:(ow-iw)/2:(oh-ih)/2"},
		{"oversized", 1936, 1096, "crop=1920:1080"},
		{"within tolerance", 1920, 1088, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.cfg.Transcode.StandardSizes = []config.Size{{Width: 1920, Height: 1080}, {Width: 3840, Height: 2160}}
			f.cfg.Transcode.SizeTolerance = 10
			f.srv.Final = "success"
			f.renderOnComplete(t)
			f.tools.streams = func(path string) string {
				if strings.HasPrefix(path, f.cfg.Paths.OutputDir) {
					return videoJSON(tt.width, tt.height, 10, "")
				}
				return probe1080p
			}
			input := f.writeInput(t, "clip.mp4")

			_, err := f.proc.Process(context.Background(), input)
			require.NoError(t, err)
			require.Len(t, f.tools.ffmpegArgs, 1)
			args := f.tools.ffmpegArgs[0]
			if tt.filter == "" {
				assert.NotContains(t, args, "-vf")
				return
			}
			assert.Contains(t, args, tt.filter)
		})
	}
}

func TestProcessDurationDriftDoesNotFailRun(t *testing.T) {
	f := newFixture(t)
	f.cfg.Checks = config.ChecksConfig{DurationDelta: time.Second, DurationRatio: 0.05}
	f.srv.Final = "success"
	f.renderOnComplete(t)
	f.tools.streams = func(path string) string {
		if strings.HasPrefix(path, f.cfg.Paths.OutputDir) {
			return videoJSON(1920, 1080, 4, "")
		}
		return probe1080p
	}
	input := f.writeInput(t, "clip.mp4")

	rec, err := f.proc.Process(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, rec.Status)
	assert.FileExists(t, rec.DeliveryPath)
}

func TestDurationDrift(t *testing.T) {
	checks := config.ChecksConfig{DurationDelta: time.Second, DurationRatio: 0.05}
	tests := []struct {
		name     string
		expected float64
		actual   float64
		checks   config.ChecksConfig
		drift    bool
	}{
		{"match", 10, 10, checks, false},
		{"small drift", 10, 10.4, checks, false},
		{"over delta", 100, 101.5, checks, true},
		{"over ratio", 10, 10.8, checks, true},
		{"unreadable output", 10, 0, checks, true},
		{"unknown source", 0, 4, checks, false},
		{"disabled", 10, 4, config.ChecksConfig{}, false},
		{"ratio only", 100, 101.5, config.ChecksConfig{DurationRatio: 0.05}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := durationDrift(tt.expected, tt.actual, tt.checks)
			assert.Equal(t, tt.drift, err != nil, "%v", err)
		})
	}
}
