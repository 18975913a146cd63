package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/amankumarsingh77/comfyui-router/internal/config"
)

func TestOptimalBatchSize(t *testing.T) {
	tests := []struct {
		name          string
		total, lo, hi int
		want          int
	}{
		{"exact divisor", 1800, 60, 80, 60},
		{"prefers zero remainder", 1850, 60, 80, 74},
		{"short clip keeps minimum", 30, 60, 80, 60},
		{"no frames", 0, 60, 80, 60},
		{"inverted bounds", 500, 80, 60, 80},
		{"single size", 100, 70, 70, 70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OptimalBatchSize(tt.total, tt.lo, tt.hi))
		})
	}
}

func TestOptimalBatchSizeAvoidsShortTail(t *testing.T) {
	size := OptimalBatchSize(1000, 60, 80)
	rem := 1000 % size
	assert.True(t, rem == 0 || float64(rem) >= float64(size)*minTailRatio, "size %d leaves tail %d", size, rem)
}

func TestAdaptiveBatchCap(t *testing.T) {
	policy := config.AdaptiveBatch{
		Enabled:             true,
		PerFrameCostPercent: 0.5,
		HardCeiling:         100,
		BaselinePercent:     25,
		SpikeMargin:         0.05,
		RAMCaps: []config.RAMCaps{
			{Threshold: 0.2, Cap: 0.6},
			{Threshold: 0.5, Cap: 0.8},
			{Threshold: 0, Cap: 0.4},
		},
	}

	// plenty of RAM: (80-5-25)/0.5 = 100, at the ceiling
	assert.Equal(t, 100, AdaptiveBatchCap(0.7, policy, 16, 80))
	// mid: (60-5-25)/0.5 = 60
	assert.Equal(t, 60, AdaptiveBatchCap(0.3, policy, 16, 80))
	// low: (40-5-25)/0.5 = 20
	assert.Equal(t, 20, AdaptiveBatchCap(0.1, policy, 16, 80))
	// clamped to the minimum
	assert.Equal(t, 32, AdaptiveBatchCap(0.1, policy, 32, 80))
}

func TestAdaptiveBatchCapWithoutPolicy(t *testing.T) {
	assert.Equal(t, 80, AdaptiveBatchCap(0.5, config.AdaptiveBatch{}, 16, 80))
}
