package device

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHasActiveTask(t *testing.T) {
	d := &Device{}
	assert.False(t, d.HasActiveTask())

	d.CurrentTask = &Binding{TaskID: "task-1", IsActive: true}
	assert.True(t, d.HasActiveTask())

	d.CurrentTask.IsActive = false
	assert.False(t, d.HasActiveTask(), "inactive binding is historical, not busy")
}

func TestAppendLogBounded(t *testing.T) {
	d := &Device{}
	now := time.Now()
	for i := 0; i < maxLogEntries+10; i++ {
		d.AppendLog("info", fmt.Sprintf("entry %d", i), now)
	}
	assert.Len(t, d.Logs, maxLogEntries)
	assert.Equal(t, "entry 10", d.Logs[0].Message, "oldest entries are evicted first")
	assert.Equal(t, fmt.Sprintf("entry %d", maxLogEntries+9), d.Logs[len(d.Logs)-1].Message)
}

func TestStatisticsRecordCompletion(t *testing.T) {
	var s Statistics
	s.RecordCompletion(30)
	assert.Equal(t, 1, s.TasksCompleted)
	assert.Equal(t, 30, s.AvgResponseMinutes)
	assert.Equal(t, 30, s.TotalActiveMinutes)

	s.RecordCompletion(60)
	assert.Equal(t, 2, s.TasksCompleted)
	assert.Equal(t, 45, s.AvgResponseMinutes)
	assert.Equal(t, 90, s.TotalActiveMinutes)

	s.RecordCompletion(-5)
	assert.Equal(t, 3, s.TasksCompleted)
	assert.Equal(t, 30, s.AvgResponseMinutes, "negative durations count as zero")
}
