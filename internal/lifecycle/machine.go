// Package lifecycle owns every task status transition. Device-originated and
// user-originated calls go through the same machine; callers only differ in
// the attribution they pass.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/ktsuji/lamphub/internal/auditlog"
	"github.com/ktsuji/lamphub/internal/task"
	"github.com/ktsuji/lamphub/pkg/cerr"
)

type Machine struct {
	tasks task.Repository
	audit *auditlog.Recorder
	now   func() time.Time
}

func New(tasks task.Repository, audit *auditlog.Recorder) *Machine {
	return &Machine{
		tasks: tasks,
		audit: audit,
		now:   time.Now,
	}
}

// NewWithClock is for tests that need a deterministic clock.
func NewWithClock(tasks task.Repository, audit *auditlog.Recorder, now func() time.Time) *Machine {
	return &Machine{tasks: tasks, audit: audit, now: now}
}

func conflict(t *task.Task, op string) error {
	return cerr.NewError(cerr.FailedPrecondition,
		fmt.Sprintf("cannot %s task in status %q", op, t.Status), nil)
}

// Assign moves a pending task to assigned on the given device. The device
// binding itself is the Binding Manager's concern; callers reserve first.
func (m *Machine) Assign(ctx context.Context, taskID, deviceID string) (*task.Task, error) {
	return m.tasks.Mutate(ctx, taskID, func(t *task.Task) error {
		if t.Status != task.StatusPending {
			return conflict(t, "assign")
		}
		t.Status = task.StatusAssigned
		t.AssignedDevice = deviceID
		t.UpdatedAt = m.now()
		return nil
	})
}

// RevertAssign is the compensating transition for a failed dispatch: it
// returns an assigned task to pending and clears the device reference.
func (m *Machine) RevertAssign(ctx context.Context, taskID string) (*task.Task, error) {
	return m.tasks.Mutate(ctx, taskID, func(t *task.Task) error {
		if t.Status != task.StatusAssigned {
			return conflict(t, "revert")
		}
		t.Status = task.StatusPending
		t.AssignedDevice = ""
		t.UpdatedAt = m.now()
		return nil
	})
}

// Start moves an assigned or paused task to in_progress. Starting a task
// that is already in progress is a no-op.
func (m *Machine) Start(ctx context.Context, taskID, deviceID string) (*task.Task, error) {
	started := false
	t, err := m.tasks.Mutate(ctx, taskID, func(t *task.Task) error {
		switch t.Status {
		case task.StatusInProgress:
			return nil // idempotent
		case task.StatusAssigned, task.StatusPaused:
		default:
			return conflict(t, "start")
		}
		now := m.now()
		if t.Timing.ActualStart == nil {
			t.Timing.ActualStart = &now
		}
		t.Timing.LastStartedAt = &now
		t.Status = task.StatusInProgress
		t.UpdatedAt = now
		started = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if started {
		m.audit.Record(ctx, &auditlog.Entry{
			TaskID:   t.ID,
			UserID:   t.OwnerID,
			DeviceID: deviceID,
			Action:   auditlog.ActionStarted,
		})
	}
	return t, nil
}

// Pause moves an in_progress task to paused, folding the elapsed leg into
// the accumulated actual duration. Pausing a paused task is a no-op.
func (m *Machine) Pause(ctx context.Context, taskID, deviceID string) (*task.Task, error) {
	paused := false
	t, err := m.tasks.Mutate(ctx, taskID, func(t *task.Task) error {
		switch t.Status {
		case task.StatusPaused:
			return nil // idempotent
		case task.StatusInProgress:
		default:
			return conflict(t, "pause")
		}
		now := m.now()
		t.Timing.ActualMinutes += elapsedMinutes(t, now)
		t.Timing.LastStartedAt = nil
		t.Status = task.StatusPaused
		t.UpdatedAt = now
		paused = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if paused {
		m.audit.Record(ctx, &auditlog.Entry{
			TaskID:   t.ID,
			UserID:   t.OwnerID,
			DeviceID: deviceID,
			Action:   auditlog.ActionPaused,
			Details:  map[string]string{"accumulated_minutes": fmt.Sprintf("%d", t.Timing.ActualMinutes)},
		})
	}
	return t, nil
}

// Complete finalizes a task from assigned, in_progress or paused.
// reportedMinutes is the device-reported duration and wins over the
// locally accumulated one when present (> 0).
func (m *Machine) Complete(ctx context.Context, taskID, deviceID string, reportedMinutes, rating int, feedback string) (*task.Task, error) {
	t, err := m.tasks.Mutate(ctx, taskID, func(t *task.Task) error {
		switch t.Status {
		case task.StatusAssigned, task.StatusInProgress, task.StatusPaused:
		default:
			return conflict(t, "complete")
		}
		now := m.now()
		t.Timing.ActualEnd = &now
		switch {
		case reportedMinutes > 0:
			t.Timing.ActualMinutes = reportedMinutes
		case t.Status == task.StatusInProgress:
			t.Timing.ActualMinutes += elapsedMinutes(t, now)
		case t.Timing.ActualMinutes == 0 && t.Timing.ActualStart != nil:
			t.Timing.ActualMinutes = int(now.Sub(*t.Timing.ActualStart).Minutes())
		}
		t.Timing.LastStartedAt = nil
		t.Status = task.StatusCompleted
		t.Progress.Percentage = 100
		if rating > 0 || feedback != "" {
			t.Completion = &task.Completion{Rating: rating, Feedback: feedback}
		}
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.audit.Record(ctx, &auditlog.Entry{
		TaskID:   t.ID,
		UserID:   t.OwnerID,
		DeviceID: deviceID,
		Action:   auditlog.ActionCompleted,
		Metrics: &auditlog.Metrics{
			EfficiencyPercent: auditlog.EfficiencyPercent(t.Timing.EstimatedMinutes, t.Timing.ActualMinutes),
			QualityRating:     rating,
		},
	})
	return t, nil
}

// UpdateProgress records a progress percentage on a non-terminal task.
// Callers clamp; the machine only refuses terminal tasks.
func (m *Machine) UpdateProgress(ctx context.Context, taskID string, percentage int) (*task.Task, error) {
	return m.tasks.Mutate(ctx, taskID, func(t *task.Task) error {
		if t.Status.Terminal() {
			return conflict(t, "update progress on")
		}
		t.Progress.Percentage = percentage
		t.UpdatedAt = m.now()
		return nil
	})
}

// Cancel aborts any non-terminal task. Releasing a device binding, if one
// exists, is the caller's responsibility.
func (m *Machine) Cancel(ctx context.Context, taskID, deviceID, reason string) (*task.Task, error) {
	t, err := m.tasks.Mutate(ctx, taskID, func(t *task.Task) error {
		if t.Status.Terminal() {
			return conflict(t, "cancel")
		}
		now := m.now()
		if t.Status == task.StatusInProgress {
			t.Timing.ActualMinutes += elapsedMinutes(t, now)
		}
		t.Timing.LastStartedAt = nil
		t.Status = task.StatusCancelled
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	details := map[string]string{}
	if reason != "" {
		details["reason"] = reason
	}
	m.audit.Record(ctx, &auditlog.Entry{
		TaskID:   t.ID,
		UserID:   t.OwnerID,
		DeviceID: deviceID,
		Action:   auditlog.ActionCancelled,
		Details:  details,
	})
	return t, nil
}

func elapsedMinutes(t *task.Task, now time.Time) int {
	since := t.Timing.LastStartedAt
	if since == nil {
		since = t.Timing.ActualStart
	}
	if since == nil {
		return 0
	}
	mins := int(now.Sub(*since).Minutes())
	if mins < 0 {
		return 0
	}
	return mins
}
