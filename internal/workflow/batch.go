package workflow

import (
	"math"
	"sort"

	"github.com/amankumarsingh77/comfyui-router/internal/config"
)

// minTailRatio is the smallest acceptable final batch, as a fraction of the
// batch size.
const minTailRatio = 0.6

// floatSlack absorbs rounding noise such as (0.6-0.05)*100 = 54.999...
const floatSlack = 1e-9

// OptimalBatchSize picks the frames-per-batch value in [minSize, maxSize]
// that leaves the smallest remainder, skipping sizes whose last batch would
// be shorter than 60% of a full one. minSize is returned when nothing fits.
func OptimalBatchSize(totalFrames, minSize, maxSize int) int {
	if minSize <= 0 || totalFrames <= 0 || maxSize < minSize {
		return minSize
	}
	best := minSize
	smallest := totalFrames
	for size := minSize; size <= maxSize; size++ {
		rem := totalFrames % size
		if rem != 0 && float64(rem) < float64(size)*minTailRatio {
			continue
		}
		if rem < smallest {
			smallest = rem
			best = size
		}
	}
	return best
}

// AdaptiveBatchCap derives the largest batch the host can afford from its
// free RAM ratio. The RAM cap is taken from the first entry, by descending
// threshold, that freeRatio reaches; below every threshold the lowest entry
// applies. The result is clamped to [minSize, ceiling] where ceiling is
// HardCeiling, or maxSize when that is unset.
func AdaptiveBatchCap(freeRatio float64, p config.AdaptiveBatch, minSize, maxSize int) int {
	ceiling := p.HardCeiling
	if ceiling <= 0 {
		ceiling = maxSize
	}
	if len(p.RAMCaps) == 0 || p.PerFrameCostPercent <= 0 {
		return ceiling
	}

	caps := make([]config.RAMCaps, len(p.RAMCaps))
	copy(caps, p.RAMCaps)
	sort.Slice(caps, func(i, j int) bool { return caps[i].Threshold > caps[j].Threshold })

	target := caps[len(caps)-1].Cap
	for _, c := range caps {
		if freeRatio >= c.Threshold {
			target = c.Cap
			break
		}
	}

	effective := (target - p.SpikeMargin) * 100
	raw := math.Min(float64(ceiling), (effective-p.BaselinePercent)/p.PerFrameCostPercent)
	size := int(math.Floor(raw + floatSlack))
	if size < minSize {
		size = minSize
	}
	return size
}
