// Package transcode re-encodes the ComfyUI artifact to HEVC for delivery,
// on the CPU with libx265 or on an NVIDIA GPU with hevc_nvenc.
package transcode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/amankumarsingh77/comfyui-router/internal/config"
	"github.com/amankumarsingh77/comfyui-router/internal/models"
	"github.com/amankumarsingh77/comfyui-router/pkg/execx"
	"github.com/amankumarsingh77/comfyui-router/pkg/logger"
)

var ErrTranscode = errors.New("transcode failed")

const (
	codecCPU        = "libx265"
	codecGPU        = "hevc_nvenc"
	stderrTailLines = 20
)

// TranscodeError carries the tail of ffmpeg's stderr for a failed encode.
type TranscodeError struct {
	Src      string
	ExitCode int
	Stderr   string
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("ffmpeg exited %d encoding %s: %s", e.ExitCode, e.Src, e.Stderr)
}

func (e *TranscodeError) Unwrap() error { return ErrTranscode }

type Transcoder struct {
	runner   execx.Runner
	bin      string
	cfg      config.TranscodeConfig
	log      logger.Logger
	resolved config.EncoderMode
}

func NewTranscoder(runner execx.Runner, bin string, cfg config.TranscodeConfig, log logger.Logger) *Transcoder {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Transcoder{runner: runner, bin: bin, cfg: cfg, log: log}
}

// Mode resolves the configured encoder mode; auto is decided once by asking
// ffmpeg whether it was built with hevc_nvenc.
func (t *Transcoder) Mode(ctx context.Context) config.EncoderMode {
	if t.cfg.Mode != config.EncoderAuto {
		return t.cfg.Mode
	}
	if t.resolved != "" {
		return t.resolved
	}
	t.resolved = config.EncoderCPU
	if t.DetectNVENC(ctx) {
		t.resolved = config.EncoderGPU
	}
	t.log.Infof("encoder auto-detected: %s", t.resolved)
	return t.resolved
}

func (t *Transcoder) DetectNVENC(ctx context.Context) bool {
	res, err := t.runner.Run(ctx, t.bin, "-hide_banner", "-encoders")
	if err != nil || !res.Success() {
		return false
	}
	return strings.Contains(string(res.Stdout), codecGPU)
}

// Transcode encodes art into dst. The encode goes to a temporary sibling
// that is renamed into place on success and removed on failure. Filters are
// chained into a single -vf.
func (t *Transcoder) Transcode(ctx context.Context, art *models.Artifact, dst string, srcFPS float64, filters ...string) error {
	mode := t.Mode(ctx)
	t.log.Infof("transcoding %s with %s", art.Path, codecFor(mode))
	return t.encode(ctx, art.Path, dst, func(tmp string) []string {
		return BuildArgs(mode, t.cfg, art.Path, tmp, srcFPS, filters...)
	})
}

// Deinterlace writes a progressive copy of src to dst with yadif, or
// yadif_cuda when the GPU encoder is in use.
func (t *Transcoder) Deinterlace(ctx context.Context, src, dst string) error {
	mode := t.Mode(ctx)
	t.log.Infof("deinterlacing %s with %s", src, codecFor(mode))
	return t.encode(ctx, src, dst, func(tmp string) []string {
		return DeinterlaceArgs(mode, t.cfg, src, tmp)
	})
}

func (t *Transcoder) encode(ctx context.Context, src, dst string, args func(tmp string) []string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(ErrTranscode, "create dir for %s: %v", dst, err)
	}
	tmp := partialPath(dst)
	res, err := t.runner.Run(ctx, t.bin, args(tmp)...)
	if err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(ErrTranscode, "run ffmpeg on %s: %v", src, err)
	}
	if !res.Success() {
		_ = os.Remove(tmp)
		return &TranscodeError{Src: src, ExitCode: res.ExitCode, Stderr: res.StderrTail(stderrTailLines)}
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(ErrTranscode, "move %s into place: %v", dst, err)
	}
	return nil
}

// BuildArgs returns the ffmpeg arguments for one encode. Frame rate is
// capped at MaxFPS only when the source is known to exceed it.
func BuildArgs(mode config.EncoderMode, cfg config.TranscodeConfig, src, dst string, srcFPS float64, filters ...string) []string {
	args := []string{"-hide_banner", "-y"}
	if mode == config.EncoderGPU {
		args = append(args, "-hwaccel", "cuda")
	}
	args = append(args, "-i", src)
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}
	if cfg.MaxFPS > 0 && srcFPS > cfg.MaxFPS {
		args = append(args, "-r", strconv.FormatFloat(cfg.MaxFPS, 'f', -1, 64))
	}
	args = appendCodec(args, mode, cfg, cfg.Quality)
	if cfg.Container == "mp4" || cfg.Container == "mov" {
		args = append(args, "-tag:v", "hvc1")
	}
	args = append(args, "-c:a", "copy", dst)
	return args
}

// DeinterlaceArgs returns the ffmpeg arguments for a yadif pass. GPU mode
// keeps decoded frames on the device so yadif_cuda can read them.
func DeinterlaceArgs(mode config.EncoderMode, cfg config.TranscodeConfig, src, dst string) []string {
	args := []string{"-hide_banner", "-y"}
	filter := "yadif"
	if mode == config.EncoderGPU {
		args = append(args, "-hwaccel", "cuda", "-hwaccel_output_format", "cuda")
		filter = "yadif_cuda"
	}
	args = append(args, "-i", src, "-vf", filter)
	args = appendCodec(args, mode, cfg, cfg.DeinterlaceQuality)
	return append(args, "-c:a", "copy", dst)
}

func appendCodec(args []string, mode config.EncoderMode, cfg config.TranscodeConfig, quality int) []string {
	q := strconv.Itoa(quality)
	if mode == config.EncoderGPU {
		return append(args, "-c:v", codecGPU, "-preset", cfg.GPUPreset, "-cq", q, "-rc", "vbr", "-b:v", "0")
	}
	return append(args, "-c:v", codecCPU, "-preset", cfg.CPUPreset, "-crf", q)
}

func codecFor(mode config.EncoderMode) string {
	if mode == config.EncoderGPU {
		return codecGPU
	}
	return codecCPU
}

func partialPath(dst string) string {
	ext := filepath.Ext(dst)
	return strings.TrimSuffix(dst, ext) + ".part" + ext
}
