// Package router consumes inbound device messages and turns them into
// engine state changes. Malformed payloads are logged and dropped: a broken
// lamp must never be able to wedge the engine by sending garbage.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ktsuji/lamphub/internal/auditlog"
	"github.com/ktsuji/lamphub/internal/binding"
	"github.com/ktsuji/lamphub/internal/device"
	"github.com/ktsuji/lamphub/internal/eventbus"
	"github.com/ktsuji/lamphub/internal/lifecycle"
	"github.com/ktsuji/lamphub/internal/liveness"
	"github.com/ktsuji/lamphub/internal/userstats"
	"github.com/ktsuji/lamphub/pkg/cerr"
	"github.com/ktsuji/lamphub/pkg/clog"
	"github.com/ktsuji/lamphub/pkg/deviceid"
)

type Router struct {
	devices  device.Repository
	stats    userstats.Repository
	machine  *lifecycle.Machine
	bindings *binding.Manager
	tracker  *liveness.Tracker
	audit    *auditlog.Recorder
	bus      *eventbus.Bus
	now      func() time.Time
}

func New(
	devices device.Repository,
	stats userstats.Repository,
	machine *lifecycle.Machine,
	bindings *binding.Manager,
	tracker *liveness.Tracker,
	audit *auditlog.Recorder,
	bus *eventbus.Bus,
) *Router {
	return &Router{
		devices:  devices,
		stats:    stats,
		machine:  machine,
		bindings: bindings,
		tracker:  tracker,
		audit:    audit,
		bus:      bus,
		now:      time.Now,
	}
}

// NewWithClock is for tests that need a deterministic clock.
func NewWithClock(
	devices device.Repository,
	stats userstats.Repository,
	machine *lifecycle.Machine,
	bindings *binding.Manager,
	tracker *liveness.Tracker,
	audit *auditlog.Recorder,
	bus *eventbus.Bus,
	now func() time.Time,
) *Router {
	r := New(devices, stats, machine, bindings, tracker, audit, bus)
	r.now = now
	return r
}

// HandleInbound routes one device message by kind. Every message, whatever
// its kind, refreshes the device's liveness first.
func (r *Router) HandleInbound(ctx context.Context, deviceID, kind string, payload []byte) {
	ctx = clog.ContextWithSlog(ctx)
	clog.AddAttributes(ctx, map[string]any{"device_id": deviceID, "kind": kind})
	r.tracker.RecordActivity(deviceID)

	var err error
	switch kind {
	case "status":
		err = r.handleStatus(ctx, deviceID, payload)
	case "task_status":
		err = r.handleTaskStatus(ctx, deviceID, payload)
	case "completed":
		err = r.handleCompleted(ctx, deviceID, payload)
	case "progress":
		err = r.handleProgress(ctx, deviceID, payload)
	case "heartbeat":
		err = r.handleHeartbeat(ctx, deviceID)
	case "request":
		err = r.handleRequest(ctx, deviceID)
	default:
		slog.DebugContext(ctx, "dropping message of unknown kind")
		return
	}
	if err != nil {
		slog.WarnContext(ctx, "inbound message dropped", "error", err)
	}
}

type statusPayload struct {
	Status string `json:"status"`
}

// handleStatus applies a device-reported status. Every online report is
// announced so the dispatcher can hand waiting work to a free lamp; a busy
// one makes the resulting dispatch a no-op.
func (r *Router) handleStatus(ctx context.Context, deviceID string, payload []byte) error {
	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return cerr.NewError(cerr.InvalidArgument, "malformed status payload", err)
	}
	status := device.Status(p.Status)
	if !device.ValidStatus(status) {
		return cerr.NewError(cerr.InvalidArgument, "unknown device status "+p.Status, nil)
	}

	dev, err := r.devices.Mutate(ctx, deviceID, func(d *device.Device) error {
		d.Status = status
		d.LastSeen = r.now()
		d.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		return err
	}
	if status == device.StatusOnline {
		r.bus.PublishNew(eventbus.TypeDeviceOnline, deviceID, dev.OwnerID, deviceID, nil)
	}
	return nil
}

type taskStatusPayload struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// handleTaskStatus applies device-reported started/paused transitions. The
// wire body only has to carry the status: the target task is whatever the
// device currently holds.
func (r *Router) handleTaskStatus(ctx context.Context, deviceID string, payload []byte) error {
	var p taskStatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return cerr.NewError(cerr.InvalidArgument, "malformed task_status payload", err)
	}
	taskID, err := r.resolveBoundTask(ctx, deviceID, p.TaskID)
	if err != nil {
		return err
	}

	switch p.Status {
	case "started", "in_progress":
		_, err := r.machine.Start(ctx, taskID, deviceID)
		return err
	case "paused":
		_, err := r.machine.Pause(ctx, taskID, deviceID)
		return err
	default:
		return cerr.NewError(cerr.InvalidArgument, "unsupported task status "+p.Status, nil)
	}
}

type completedPayload struct {
	TaskID         string `json:"taskId"`
	ActualDuration int    `json:"actualDuration"`
	Rating         int    `json:"rating"`
	Feedback       string `json:"feedback"`
}

// handleCompleted finalizes the bound task, frees the device and folds the
// run into both device and owner statistics. A completion for a task the
// device does not hold is dropped without touching the audit log.
func (r *Router) handleCompleted(ctx context.Context, deviceID string, payload []byte) error {
	var p completedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return cerr.NewError(cerr.InvalidArgument, "malformed completed payload", err)
	}
	if p.TaskID == "" {
		return cerr.NewError(cerr.InvalidArgument, "completed payload missing taskId", nil)
	}
	if _, err := r.resolveBoundTask(ctx, deviceID, p.TaskID); err != nil {
		return err
	}

	// Capture the binding start before releasing it; it feeds the device's
	// assignment-to-completion response time.
	dev, err := r.devices.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	boundAt := r.now()
	if dev.CurrentTask != nil {
		boundAt = dev.CurrentTask.StartedAt
	}

	done, err := r.machine.Complete(ctx, p.TaskID, deviceID, p.ActualDuration, p.Rating, p.Feedback)
	if err != nil {
		return err
	}
	if err := r.bindings.Release(ctx, deviceID); err != nil {
		slog.WarnContext(ctx, "failed to release binding after completion", "error", err)
	}

	now := r.now()
	responseMinutes := int(now.Sub(boundAt).Minutes())
	if _, err := r.devices.Mutate(ctx, deviceID, func(d *device.Device) error {
		d.Statistics.RecordCompletion(responseMinutes)
		d.AppendLog("info", "task "+done.ID+" completed", now)
		return nil
	}); err != nil {
		slog.WarnContext(ctx, "failed to update device statistics", "error", err)
	}

	eff := auditlog.EfficiencyPercent(done.Timing.EstimatedMinutes, done.Timing.ActualMinutes)
	if _, err := r.stats.Mutate(ctx, done.OwnerID, func(s *userstats.Stats) error {
		s.RecordCompletion(done.Timing.EstimatedMinutes, done.Timing.ActualMinutes, eff, now)
		return nil
	}); err != nil {
		slog.WarnContext(ctx, "failed to update user statistics", "owner_id", done.OwnerID, "error", err)
	}

	r.bus.PublishNew(eventbus.TypeTaskCompleted, done.ID, done.OwnerID, deviceID, map[string]string{
		"title": done.Title,
	})
	slog.InfoContext(ctx, "task completed", "task_id", done.ID, "actual_minutes", done.Timing.ActualMinutes)
	return nil
}

type progressPayload struct {
	TaskID         string `json:"taskId"`
	ElapsedMinutes int    `json:"elapsedMinutes"`
	TotalMinutes   int    `json:"totalMinutes"`
}

// handleProgress records how far through its task the device thinks it is.
// The percentage is derived from elapsed/total minutes and clamped to
// [0,100]; the target task is the device's active binding.
func (r *Router) handleProgress(ctx context.Context, deviceID string, payload []byte) error {
	var p progressPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return cerr.NewError(cerr.InvalidArgument, "malformed progress payload", err)
	}
	taskID, err := r.resolveBoundTask(ctx, deviceID, p.TaskID)
	if err != nil {
		return err
	}

	pct := 0
	if p.TotalMinutes > 0 {
		pct = p.ElapsedMinutes * 100 / p.TotalMinutes
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	t, err := r.machine.UpdateProgress(ctx, taskID, pct)
	if err != nil {
		return err
	}
	r.audit.Record(ctx, &auditlog.Entry{
		TaskID:   t.ID,
		UserID:   t.OwnerID,
		DeviceID: deviceID,
		Action:   auditlog.ActionProgressUpdated,
		Metrics:  &auditlog.Metrics{FocusPercent: pct},
	})
	return nil
}

// handleHeartbeat keeps liveness fresh and flips a stored offline status
// back to online.
func (r *Router) handleHeartbeat(ctx context.Context, deviceID string) error {
	cameOnline := false
	dev, err := r.devices.Mutate(ctx, deviceID, func(d *device.Device) error {
		if d.Status == device.StatusOffline {
			d.Status = device.StatusOnline
			cameOnline = true
		}
		d.LastSeen = r.now()
		d.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		if cerr.IsCode(err, cerr.NotFound) {
			// Heartbeat from a device we have never registered: liveness is
			// already recorded, nothing else to do.
			slog.DebugContext(ctx, "heartbeat from unregistered device")
			return nil
		}
		return err
	}
	if cameOnline {
		r.bus.PublishNew(eventbus.TypeDeviceOnline, deviceID, dev.OwnerID, deviceID, nil)
	}
	return nil
}

// handleRequest is a device asking for work. Devices with well-formed ids
// that we have never seen are registered on the spot, owner taken from the
// id itself.
func (r *Router) handleRequest(ctx context.Context, deviceID string) error {
	dev, err := r.devices.Get(ctx, deviceID)
	if cerr.IsCode(err, cerr.NotFound) {
		dev, err = r.autoRegister(ctx, deviceID)
	}
	if err != nil {
		return err
	}
	r.bus.PublishNew(eventbus.TypeWorkRequested, deviceID, dev.OwnerID, deviceID, nil)
	return nil
}

func (r *Router) autoRegister(ctx context.Context, deviceID string) (*device.Device, error) {
	owner, err := deviceid.Owner(deviceID)
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "cannot auto-register device", err)
	}
	now := r.now()
	dev := &device.Device{
		ID:        deviceID,
		OwnerID:   owner,
		Name:      deviceID,
		Status:    device.StatusOnline,
		LastSeen:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.devices.Create(ctx, dev); err != nil {
		// Lost a race with another registration; re-read the winner.
		if cerr.IsCode(err, cerr.AlreadyExists) {
			return r.devices.Get(ctx, deviceID)
		}
		return nil, err
	}
	slog.InfoContext(ctx, "auto-registered device", "owner_id", owner)
	return dev, nil
}

// resolveBoundTask maps a device report onto the task the device actually
// holds. A report naming a different task is rejected; a report naming none
// falls back to the active binding.
func (r *Router) resolveBoundTask(ctx context.Context, deviceID, taskID string) (string, error) {
	bound, err := r.bindings.ActiveTaskID(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if bound == "" {
		return "", cerr.NewError(cerr.FailedPrecondition, "device holds no active task", nil)
	}
	if taskID != "" && taskID != bound {
		return "", cerr.NewError(cerr.FailedPrecondition,
			"device is not bound to task "+taskID, nil)
	}
	return bound, nil
}
