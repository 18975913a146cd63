package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amankumarsingh77/comfyui-router/internal/cleanup"
	"github.com/amankumarsingh77/comfyui-router/internal/comfy"
	"github.com/amankumarsingh77/comfyui-router/internal/comfy/comfytest"
	"github.com/amankumarsingh77/comfyui-router/internal/config"
	"github.com/amankumarsingh77/comfyui-router/internal/output"
	outputRepo "github.com/amankumarsingh77/comfyui-router/internal/output/repository"
	"github.com/amankumarsingh77/comfyui-router/internal/probe"
	runsRepo "github.com/amankumarsingh77/comfyui-router/internal/runs/repository"
	"github.com/amankumarsingh77/comfyui-router/internal/transcode"
	"github.com/amankumarsingh77/comfyui-router/internal/workflow"
	"github.com/amankumarsingh77/comfyui-router/pkg/execx"
	"github.com/amankumarsingh77/comfyui-router/pkg/logger"
)

const testWorkflow = `{
  "1": {"class_type": "VHS_LoadVideoPath", "inputs": {"video": ""}},
  "2": {"class_type": "VHS_BatchManager", "inputs": {"frames_per_batch": 16}},
  "3": {"class_type": "VHS_VideoCombine", "inputs": {"filename_prefix": "ComfyUI"}}
}`

const probe1080p = `{
  "streams": [
    {"index": 0, "codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080,
     "avg_frame_rate": "30/1", "r_frame_rate": "30/1", "nb_frames": "300", "duration": "10.0"}
  ],
  "format": {"duration": "10.0"}
}`

// fakeTools stands in for ffprobe and ffmpeg.
type fakeTools struct {
	probeFails  bool
	ffmpegExit  int
	probeCalls  int
	ffmpegCalls int
	// streams, when set, returns the ffprobe JSON for a path.
	streams func(path string) string
	// yadifExit is the exit code of deinterlace passes.
	yadifExit  int
	ffmpegArgs [][]string
	// onFFmpeg, when set, runs instead of the encode and the call then
	// fails like an interrupted process.
	onFFmpeg func()
}

func (f *fakeTools) Run(ctx context.Context, name string, args ...string) (execx.Result, error) {
	switch name {
	case "ffprobe":
		f.probeCalls++
		if f.probeFails {
			return execx.Result{ExitCode: 1, Stderr: []byte("moov atom not found\nInvalid data found when processing input\n")}, nil
		}
		if f.streams != nil {
			return execx.Result{Stdout: []byte(f.streams(args[len(args)-1]))}, nil
		}
		return execx.Result{Stdout: []byte(probe1080p)}, nil
	case "ffmpeg":
		f.ffmpegCalls++
		f.ffmpegArgs = append(f.ffmpegArgs, args)
		if f.onFFmpeg != nil {
			f.onFFmpeg()
			return execx.Result{ExitCode: -1}, ctx.Err()
		}
		if f.yadifExit != 0 && hasFilter(args, "yadif") {
			return execx.Result{ExitCode: f.yadifExit, Stderr: []byte("Error while filtering\n")}, nil
		}
		if f.ffmpegExit != 0 {
			return execx.Result{ExitCode: f.ffmpegExit, Stderr: []byte("Error initializing output stream\n")}, nil
		}
		dst := args[len(args)-1]
		if err := os.WriteFile(dst, []byte("hevc"), 0o644); err != nil {
			return execx.Result{}, err
		}
		return execx.Result{}, nil
	}
	return execx.Result{ExitCode: 127}, nil
}

// videoJSON renders ffprobe output for a single video stream.
func videoJSON(width, height int, duration float64, fieldOrder string) string {
	return fmt.Sprintf(`{"streams": [{"index": 0, "codec_type": "video", "codec_name": "h264",
  "width": %d, "height": %d, "avg_frame_rate": "30/1", "duration": "%g", "field_order": %q}],
  "format": {"duration": "%g"}}`, width, height, duration, fieldOrder, duration)
}

func hasFilter(args []string, filter string) bool {
	for i, a := range args {
		if a == "-vf" && i+1 < len(args) && strings.Contains(args[i+1], filter) {
			return true
		}
	}
	return false
}

type fixture struct {
	cfg   *config.Config
	srv   *comfytest.Server
	tools *fakeTools
	proc  *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	dirs := map[string]string{}
	for _, d := range []string{"input", "output", "delivery", "work", "trash", "workflows"} {
		dirs[d] = filepath.Join(root, d)
		require.NoError(t, os.MkdirAll(dirs[d], 0o755))
	}
	for _, name := range []string{"1080p", "fallback"} {
		require.NoError(t, os.WriteFile(filepath.Join(dirs["workflows"], name+".json"), []byte(testWorkflow), 0o644))
	}

	fast := config.RetryConfig{MaxAttempts: 5, Interval: time.Millisecond}
	cfg := &config.Config{
		Comfy: config.ComfyConfig{RequestTimeout: 5 * time.Second},
		Workflows: config.WorkflowsConfig{
			Dir:      dirs["workflows"],
			Fallback: "fallback",
			Buckets:  []config.Bucket{{Name: "1080p", MaxWidth: 1920, MaxHeight: 1080, Template: "1080p"}},
		},
		Polling: config.PollingConfig{Status: fast, Visibility: fast, Transient: fast, Ready: fast},
		Transcode: config.TranscodeConfig{
			Mode: config.EncoderCPU, CPUPreset: "medium", GPUPreset: "p5", Quality: 23, MaxFPS: 60, Container: "mp4",
		},
		Paths: config.PathsConfig{
			InputDir:    dirs["input"],
			OutputDir:   dirs["output"],
			DeliveryDir: dirs["delivery"],
			WorkDir:     dirs["work"],
			TrashDir:    dirs["trash"],
		},
		Output:   config.OutputConfig{Backend: config.BackendLocal},
		Batch:    config.BatchConfig{MinSize: 60, MaxSize: 120},
		Timeouts: config.TimeoutsConfig{Probe: 5 * time.Second, Submit: 5 * time.Second, Transcode: 5 * time.Second},
	}

	srv := comfytest.NewServer()
	t.Cleanup(srv.Close)
	cfg.Comfy.URL = srv.URL

	templates, err := workflow.LoadTemplates(cfg.Workflows.Dir, cfg.Workflows.Names())
	require.NoError(t, err)

	log := logger.NewNop()
	tools := &fakeTools{}
	proc := NewProcessor(cfg, log, Deps{
		Prober:       probe.NewProber(tools, "ffprobe"),
		Selector:     workflow.NewSelector(cfg.Workflows, templates),
		Client:       comfy.NewClient(cfg.Comfy, cfg.Polling, log),
		Synchronizer: output.NewSynchronizer(outputRepo.NewLocalRepository(cfg.Paths.OutputDir), cfg.Output, cfg.Polling.Visibility, log),
		Transcoder:   transcode.NewTranscoder(tools, "ffmpeg", cfg.Transcode, log),
		Cleaner:      cleanup.NewCleaner(cfg.Paths.TrashDir, log),
		Locks:        runsRepo.NewLocalLockRepo(),
		History:      runsRepo.NewNopRunRepo(),
	})
	proc.freeRAM = func() (float64, error) { return 0.5, nil }

	return &fixture{cfg: cfg, srv: srv, tools: tools, proc: proc}
}

// writeInput creates a source video in the input directory.
func (f *fixture) writeInput(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(f.cfg.Paths.InputDir, name)
	require.NoError(t, os.WriteFile(p, []byte("source"), 0o644))
	return p
}

// renderOnComplete makes the fake server drop the rendered video and a
// preview frame into the output directory, as VideoHelperSuite does.
func (f *fixture) renderOnComplete(t *testing.T) {
	t.Helper()
	f.srv.OnComplete = func() {
		prefix := promptPrefix(f.srv.LastPrompt())
		for _, name := range []string{prefix + "_00001.png", prefix + "_00001.mp4"} {
			_ = os.WriteFile(filepath.Join(f.cfg.Paths.OutputDir, name), []byte("frames"), 0o644)
		}
	}
}

func promptPrefix(prompt map[string]interface{}) string {
	return nodeInput(prompt, "VHS_VideoCombine", "filename_prefix")
}

func nodeInput(prompt map[string]interface{}, classType, key string) string {
	for _, n := range prompt {
		node, ok := n.(map[string]interface{})
		if !ok || node["class_type"] != classType {
			continue
		}
		v, _ := node["inputs"].(map[string]interface{})[key].(string)
		return v
	}
	return ""
}

// assertUnlocked checks that the run released its lock on path.
func (f *fixture) assertUnlocked(t *testing.T, path string) {
	t.Helper()
	ok, err := f.proc.Locks.Acquire(context.Background(), path, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "lock on %s still held", path)
	require.NoError(t, f.proc.Locks.Release(context.Background(), path))
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func hasPartial(names []string) bool {
	for _, n := range names {
		if strings.Contains(n, ".part") {
			return true
		}
	}
	return false
}
