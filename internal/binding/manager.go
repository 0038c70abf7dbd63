// Package binding enforces the one-active-task-per-device invariant.
package binding

import (
	"context"
	"fmt"
	"time"

	"github.com/ktsuji/lamphub/internal/device"
	"github.com/ktsuji/lamphub/pkg/cerr"
)

type Manager struct {
	devices device.Repository
	now     func() time.Time
}

func NewManager(devices device.Repository) *Manager {
	return &Manager{devices: devices, now: time.Now}
}

// NewManagerWithClock is for tests that need a deterministic clock.
func NewManagerWithClock(devices device.Repository, now func() time.Time) *Manager {
	return &Manager{devices: devices, now: now}
}

// Reserve atomically binds the task to the device iff the device holds no
// active binding. The check and the write happen under the repository's
// per-device lock; a concurrent reservation loses with a conflict error.
// The returned prior binding (possibly nil) is what Rollback restores.
func (m *Manager) Reserve(ctx context.Context, deviceID, taskID string) (*device.Binding, error) {
	var prior *device.Binding
	_, err := m.devices.Mutate(ctx, deviceID, func(d *device.Device) error {
		if d.HasActiveTask() {
			return cerr.NewError(cerr.AlreadyExists,
				fmt.Sprintf("device %s already has an active task", deviceID), nil)
		}
		prior = d.CurrentTask
		d.CurrentTask = &device.Binding{
			TaskID:    taskID,
			StartedAt: m.now(),
			IsActive:  true,
		}
		d.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prior, nil
}

// Release clears the active binding. Used on completion and cancellation;
// releasing an already-free device is harmless.
func (m *Manager) Release(ctx context.Context, deviceID string) error {
	_, err := m.devices.Mutate(ctx, deviceID, func(d *device.Device) error {
		if d.CurrentTask != nil {
			d.CurrentTask.IsActive = false
		}
		d.UpdatedAt = m.now()
		return nil
	})
	return err
}

// Rollback restores the binding captured before a failed reservation saga.
// It is a compensating action, not a transaction: it only undoes the
// reservation if the device still points at the task we tried to bind.
func (m *Manager) Rollback(ctx context.Context, deviceID, taskID string, prior *device.Binding) error {
	_, err := m.devices.Mutate(ctx, deviceID, func(d *device.Device) error {
		if d.CurrentTask == nil || d.CurrentTask.TaskID != taskID {
			return nil // someone else moved on; leave it alone
		}
		d.CurrentTask = prior
		d.UpdatedAt = m.now()
		return nil
	})
	return err
}

// ActiveTaskID returns the task currently bound to the device, if any.
func (m *Manager) ActiveTaskID(ctx context.Context, deviceID string) (string, error) {
	d, err := m.devices.Get(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if !d.HasActiveTask() {
		return "", nil
	}
	return d.CurrentTask.TaskID, nil
}
