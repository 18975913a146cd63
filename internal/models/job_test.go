package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobHandleAdvance(t *testing.T) {
	h := NewJobHandle("abc", time.Now())
	assert.Equal(t, JobStatusPending, h.Status)

	assert.True(t, h.Advance(JobStatusRunning))
	assert.True(t, h.Advance(JobStatusComplete))
	assert.Equal(t, JobStatusComplete, h.Status)

	assert.False(t, h.Advance(JobStatusRunning))
	assert.False(t, h.Advance(JobStatusFailed))
	assert.Equal(t, JobStatusComplete, h.Status)
}

func TestFailedIsTerminal(t *testing.T) {
	h := NewJobHandle("abc", time.Now())
	assert.True(t, h.Advance(JobStatusFailed))
	assert.False(t, h.Advance(JobStatusPending))
	assert.Equal(t, JobStatusFailed, h.Status)
}
