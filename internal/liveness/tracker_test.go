package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerWindow(t *testing.T) {
	base := time.Date(2025, 1, 14, 10, 0, 0, 0, time.UTC)
	now := base
	tr := NewTrackerWithClock(5*time.Minute, func() time.Time { return now })

	assert.False(t, tr.IsOnline("lamp-1"), "never-seen device must be offline")

	tr.RecordActivity("lamp-1")
	assert.True(t, tr.IsOnline("lamp-1"))

	now = base.Add(4*time.Minute + 59*time.Second)
	assert.True(t, tr.IsOnline("lamp-1"))

	// Exactly at the window boundary the device is offline.
	now = base.Add(5 * time.Minute)
	assert.False(t, tr.IsOnline("lamp-1"))

	now = base.Add(6 * time.Minute)
	assert.False(t, tr.IsOnline("lamp-1"))

	// New activity revives it.
	tr.RecordActivity("lamp-1")
	assert.True(t, tr.IsOnline("lamp-1"))
}

func TestTrackerLastSeen(t *testing.T) {
	base := time.Date(2025, 1, 14, 10, 0, 0, 0, time.UTC)
	now := base
	tr := NewTrackerWithClock(5*time.Minute, func() time.Time { return now })

	_, ok := tr.LastSeen("lamp-1")
	assert.False(t, ok)

	tr.RecordActivity("lamp-1")
	last, ok := tr.LastSeen("lamp-1")
	assert.True(t, ok)
	assert.Equal(t, base, last)
}

func TestTrackerActiveCount(t *testing.T) {
	base := time.Date(2025, 1, 14, 10, 0, 0, 0, time.UTC)
	now := base
	tr := NewTrackerWithClock(5*time.Minute, func() time.Time { return now })

	tr.RecordActivity("lamp-1")
	tr.RecordActivity("lamp-2")
	assert.Equal(t, 2, tr.ActiveCount())

	now = base.Add(3 * time.Minute)
	tr.RecordActivity("lamp-2")

	now = base.Add(6 * time.Minute)
	assert.Equal(t, 1, tr.ActiveCount())

	snap := tr.Snapshot()
	assert.False(t, snap["lamp-1"].Online)
	assert.True(t, snap["lamp-2"].Online)
}
