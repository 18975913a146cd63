// Package probe reads stream metadata from an input video with ffprobe.
package probe

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/amankumarsingh77/comfyui-router/internal/models"
	"github.com/amankumarsingh77/comfyui-router/pkg/execx"
)

var ErrProbe = errors.New("probe failed")

const stderrTailLines = 5

type Prober struct {
	runner execx.Runner
	bin    string
}

func NewProber(runner execx.Runner, bin string) *Prober {
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{runner: runner, bin: bin}
}

// Probe runs a single ffprobe JSON call and returns the primary video
// stream's descriptor.
func (p *Prober) Probe(ctx context.Context, path string) (*models.Resolution, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(ErrProbe, "stat %s: %v", path, err)
	}
	if info.IsDir() {
		return nil, errors.Wrapf(ErrProbe, "%s is a directory", path)
	}

	res, err := p.runner.Run(ctx, p.bin,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)
	if err != nil {
		return nil, errors.Wrapf(ErrProbe, "run ffprobe on %s: %v", path, err)
	}
	if !res.Success() {
		return nil, errors.Wrapf(ErrProbe, "ffprobe exited %d on %s: %s", res.ExitCode, path, res.StderrTail(stderrTailLines))
	}

	r, err := ParseJSON(res.Stdout)
	if err != nil {
		return nil, errors.Wrapf(err, "probe %s", path)
	}
	return r, nil
}

// ParseJSON converts raw ffprobe output into a Resolution. The first video
// stream that is not an attached picture wins.
func ParseJSON(data []byte) (*models.Resolution, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(ErrProbe, "parse ffprobe JSON: %v", err)
	}

	var video *ffprobeStream
	hasAudio := false
	for i := range raw.Streams {
		s := &raw.Streams[i]
		switch s.CodecType {
		case "video":
			if video == nil && s.Disposition["attached_pic"] != 1 {
				video = s
			}
		case "audio":
			hasAudio = true
		}
	}
	if video == nil {
		return nil, errors.Wrap(ErrProbe, "no video stream")
	}
	if video.Width <= 0 || video.Height <= 0 {
		return nil, errors.Wrapf(ErrProbe, "video stream %d has no dimensions", video.Index)
	}

	duration := parseFloat(video.Duration)
	if duration <= 0 {
		duration = parseFloat(raw.Format.Duration)
	}
	fps := parseRate(video.AvgFrameRate)
	if fps <= 0 {
		fps = parseRate(video.RFrameRate)
	}
	frames := parseInt(video.NbFrames)
	if frames <= 0 && duration > 0 && fps > 0 {
		frames = int(math.Round(duration * fps))
	}

	return &models.Resolution{
		Width:    video.Width,
		Height:   video.Height,
		Duration: duration,
		Codec:    video.CodecName,
		FPS:      fps,
		NbFrames: frames,
		HasAudio: hasAudio,

		FieldOrder: strings.ToLower(strings.TrimSpace(video.FieldOrder)),
	}, nil
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

type ffprobeStream struct {
	Index        int            `json:"index"`
	CodecName    string         `json:"codec_name"`
	CodecType    string         `json:"codec_type"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	AvgFrameRate string         `json:"avg_frame_rate"`
	RFrameRate   string         `json:"r_frame_rate"`
	NbFrames     string         `json:"nb_frames"`
	Duration     string         `json:"duration"`
	FieldOrder   string         `json:"field_order"`
	Disposition  map[string]int `json:"disposition"`
}

// parseRate parses "num/den" or a plain number. 0/0 yields 0.
func parseRate(s string) float64 {
	s = strings.TrimSpace(s)
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseFloat(s)
	}
	n, d := parseFloat(num), parseFloat(den)
	if d <= 0 {
		return 0
	}
	return n / d
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
