// Package dispatch selects pending work and pushes it to devices. A dispatch
// is a small saga: reserve the device binding, assign the task, publish the
// payload — with compensation when the publish fails, because no transaction
// spans the device and task writes.
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/ktsuji/lamphub/internal/auditlog"
	"github.com/ktsuji/lamphub/internal/binding"
	"github.com/ktsuji/lamphub/internal/device"
	"github.com/ktsuji/lamphub/internal/eventbus"
	"github.com/ktsuji/lamphub/internal/lifecycle"
	"github.com/ktsuji/lamphub/internal/liveness"
	"github.com/ktsuji/lamphub/internal/task"
	"github.com/ktsuji/lamphub/pkg/cerr"
)

// TaskPayload is the wire body pushed to smartlamp/{deviceId}/tasks.
type TaskPayload struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
	Duration    int    `json:"duration"`
	Category    string `json:"category,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// TaskPublisher hands a task payload to the transport.
type TaskPublisher interface {
	PublishTask(ctx context.Context, deviceID string, payload TaskPayload) error
}

// settleDelay gives a device time to settle after reporting a completion
// before the next task is pushed at it.
const settleDelay = 2 * time.Second

type Dispatcher struct {
	tasks    task.Repository
	devices  device.Repository
	bindings *binding.Manager
	machine  *lifecycle.Machine
	tracker  *liveness.Tracker
	pub      TaskPublisher
	audit    *auditlog.Recorder
	bus      *eventbus.Bus

	publishTimeout time.Duration
	settleDelay    time.Duration
	now            func() time.Time
}

func New(
	tasks task.Repository,
	devices device.Repository,
	bindings *binding.Manager,
	machine *lifecycle.Machine,
	tracker *liveness.Tracker,
	pub TaskPublisher,
	audit *auditlog.Recorder,
	bus *eventbus.Bus,
) *Dispatcher {
	return &Dispatcher{
		tasks:          tasks,
		devices:        devices,
		bindings:       bindings,
		machine:        machine,
		tracker:        tracker,
		pub:            pub,
		audit:          audit,
		bus:            bus,
		publishTimeout: 5 * time.Second,
		settleDelay:    settleDelay,
		now:            time.Now,
	}
}

// SetPublishTimeout overrides how long a single publish may take before the
// dispatch is compensated.
func (d *Dispatcher) SetPublishTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.publishTimeout = timeout
	}
}

// DispatchPending picks the single best pending task for the owner and
// pushes it to the device. Returns (nil, nil) when there is nothing to do.
func (d *Dispatcher) DispatchPending(ctx context.Context, ownerID, deviceID string) (*task.Task, error) {
	next, err := d.selectNext(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}
	return d.DispatchTask(ctx, next, deviceID)
}

// DispatchTask runs the reservation saga for one concrete task.
func (d *Dispatcher) DispatchTask(ctx context.Context, t *task.Task, deviceID string) (*task.Task, error) {
	prior, err := d.bindings.Reserve(ctx, deviceID, t.ID)
	if err != nil {
		return nil, err
	}

	assigned, err := d.machine.Assign(ctx, t.ID, deviceID)
	if err != nil {
		if rbErr := d.bindings.Rollback(ctx, deviceID, t.ID, prior); rbErr != nil {
			slog.ErrorContext(ctx, "failed to roll back reservation", "device_id", deviceID, "task_id", t.ID, "error", rbErr)
		}
		return nil, err
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	pubErr := d.pub.PublishTask(pubCtx, deviceID, TaskPayload{
		ID:          assigned.ID,
		Title:       assigned.Title,
		Description: assigned.Description,
		Priority:    int(assigned.Priority),
		Duration:    assigned.Timing.EstimatedMinutes,
		Category:    assigned.Category,
		Timestamp:   d.now().UnixMilli(),
	})
	if pubErr != nil {
		// Compensate both writes: binding back to its prior value, task
		// back to pending.
		if rbErr := d.bindings.Rollback(ctx, deviceID, t.ID, prior); rbErr != nil {
			slog.ErrorContext(ctx, "failed to roll back reservation", "device_id", deviceID, "task_id", t.ID, "error", rbErr)
		}
		if _, rvErr := d.machine.RevertAssign(ctx, t.ID); rvErr != nil {
			slog.ErrorContext(ctx, "failed to revert assignment", "task_id", t.ID, "error", rvErr)
		}
		return nil, cerr.NewError(cerr.Unavailable, "failed to push task to device", pubErr)
	}

	if _, err := d.devices.Mutate(ctx, deviceID, func(dev *device.Device) error {
		dev.Statistics.TasksReceived++
		dev.AppendLog("info", "task "+assigned.ID+" pushed", d.now())
		return nil
	}); err != nil {
		slog.WarnContext(ctx, "failed to update device statistics", "device_id", deviceID, "error", err)
	}

	d.audit.Record(ctx, &auditlog.Entry{
		TaskID:   assigned.ID,
		UserID:   assigned.OwnerID,
		DeviceID: deviceID,
		Action:   auditlog.ActionAssigned,
	})

	slog.InfoContext(ctx, "task dispatched", "task_id", assigned.ID, "device_id", deviceID)
	return assigned, nil
}

// AutoAssign scans the owner's devices for the first currently-online free
// one and dispatches the best pending task to it.
func (d *Dispatcher) AutoAssign(ctx context.Context, ownerID string) (*task.Task, error) {
	devs, err := d.devices.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].ID < devs[j].ID })
	for _, dev := range devs {
		if dev.Deactivated || dev.HasActiveTask() {
			continue
		}
		if !d.tracker.IsOnline(dev.ID) {
			continue
		}
		return d.DispatchPending(ctx, ownerID, dev.ID)
	}
	return nil, nil
}

// selectNext recomputes the priority FIFO by query: lowest priority number
// first, oldest first within a priority.
func (d *Dispatcher) selectNext(ctx context.Context, ownerID string) (*task.Task, error) {
	pending, err := d.tasks.List(ctx, ownerID, task.StatusPending)
	if err != nil {
		return nil, err
	}
	var best *task.Task
	for _, t := range pending {
		if t.Deactivated {
			continue
		}
		if best == nil {
			best = t
			continue
		}
		if t.Priority < best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	return best, nil
}

// Run consumes bus events and triggers dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	subID, ch := d.bus.Subscribe(256)
	defer d.bus.Unsubscribe(subID)

	slog.Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopped")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			d.handleEvent(ctx, event)
		}
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, event *eventbus.Event) {
	switch event.Type {
	case eventbus.TypeTaskCreated:
		if _, err := d.AutoAssign(ctx, event.OwnerID); err != nil {
			d.logDispatchError(ctx, event, err)
		}
	case eventbus.TypeDeviceOnline, eventbus.TypeWorkRequested:
		if _, err := d.DispatchPending(ctx, event.OwnerID, event.DeviceID); err != nil {
			d.logDispatchError(ctx, event, err)
		}
	case eventbus.TypeTaskCompleted:
		// Let the device settle before pushing the next task at it.
		ownerID, deviceID := event.OwnerID, event.DeviceID
		time.AfterFunc(d.settleDelay, func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := d.DispatchPending(ctx, ownerID, deviceID); err != nil {
				slog.WarnContext(ctx, "post-completion dispatch failed", "owner_id", ownerID, "device_id", deviceID, "error", err)
			}
		})
	}
}

func (d *Dispatcher) logDispatchError(ctx context.Context, event *eventbus.Event, err error) {
	if cerr.IsCode(err, cerr.AlreadyExists) {
		// Device is busy; the next completion or online event will retry.
		slog.DebugContext(ctx, "device busy, dispatch skipped", "device_id", event.DeviceID, "error", err)
		return
	}
	slog.WarnContext(ctx, "dispatch failed", "event_type", string(event.Type), "owner_id", event.OwnerID, "device_id", event.DeviceID, "error", err)
}
