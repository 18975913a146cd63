package transcode

import (
	"fmt"

	"github.com/amankumarsingh77/comfyui-router/internal/config"
)

// ResolutionFilter returns the -vf chain that brings a width x height frame
// onto the nearest standard size. ok is false when the frame is already
// within tolerance of one of them or no sizes are configured.
//
// Frames smaller than the target in either direction are scaled to fit and
// padded; larger frames are centre cropped.
func ResolutionFilter(width, height int, sizes []config.Size, tolerance int) (filter string, target config.Size, ok bool) {
	if len(sizes) == 0 || width <= 0 || height <= 0 {
		return "", config.Size{}, false
	}
	best := -1
	bestDist := 0
	for i, s := range sizes {
		dw, dh := abs(width-s.Width), abs(height-s.Height)
		if dw <= tolerance && dh <= tolerance {
			return "", s, false
		}
		if d := dw + dh; best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	target = sizes[best]
	if width < target.Width || height < target.Height {
		filter = fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
			target.Width, target.Height, target.Width, target.Height)
	} else {
		filter = fmt.Sprintf("crop=%d:%d", target.Width, target.Height)
	}
	return filter, target, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
