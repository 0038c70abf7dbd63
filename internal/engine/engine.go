// Package engine is the facade collaborators call: task creation, manual
// lifecycle control, device registration and commands. It composes the
// lifecycle machine, binding manager, dispatcher and command channel.
package engine

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ktsuji/lamphub/internal/auditlog"
	"github.com/ktsuji/lamphub/internal/binding"
	"github.com/ktsuji/lamphub/internal/command"
	"github.com/ktsuji/lamphub/internal/device"
	"github.com/ktsuji/lamphub/internal/dispatch"
	"github.com/ktsuji/lamphub/internal/eventbus"
	"github.com/ktsuji/lamphub/internal/lifecycle"
	"github.com/ktsuji/lamphub/internal/liveness"
	"github.com/ktsuji/lamphub/internal/mqtt"
	"github.com/ktsuji/lamphub/internal/task"
	"github.com/ktsuji/lamphub/pkg/cerr"
	"github.com/ktsuji/lamphub/pkg/deviceid"
)

type Engine struct {
	tasks      task.Repository
	devices    device.Repository
	machine    *lifecycle.Machine
	bindings   *binding.Manager
	dispatcher *dispatch.Dispatcher
	channel    *command.Channel
	tracker    *liveness.Tracker
	audit      *auditlog.Recorder
	bus        *eventbus.Bus
	transport  *mqtt.Client
	now        func() time.Time
}

func New(
	tasks task.Repository,
	devices device.Repository,
	machine *lifecycle.Machine,
	bindings *binding.Manager,
	dispatcher *dispatch.Dispatcher,
	channel *command.Channel,
	tracker *liveness.Tracker,
	audit *auditlog.Recorder,
	bus *eventbus.Bus,
	transport *mqtt.Client,
) *Engine {
	return &Engine{
		tasks:      tasks,
		devices:    devices,
		machine:    machine,
		bindings:   bindings,
		dispatcher: dispatcher,
		channel:    channel,
		tracker:    tracker,
		audit:      audit,
		bus:        bus,
		transport:  transport,
		now:        time.Now,
	}
}

// CreateTaskInput carries everything a collaborator may set at creation.
type CreateTaskInput struct {
	OwnerID          string     `json:"ownerId"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Category         string     `json:"category"`
	Priority         int        `json:"priority"`
	EstimatedMinutes int        `json:"estimatedMinutes"`
	ScheduledStart   *time.Time `json:"scheduledStart"`
	Deadline         *time.Time `json:"deadline"`
}

func (in *CreateTaskInput) validate() error {
	if strings.TrimSpace(in.OwnerID) == "" {
		return cerr.NewError(cerr.InvalidArgument, "ownerId is required", nil)
	}
	if strings.TrimSpace(in.Title) == "" {
		return cerr.NewError(cerr.InvalidArgument, "title is required", nil)
	}
	if !task.ValidPriority(task.Priority(in.Priority)) {
		return cerr.NewError(cerr.InvalidArgument, "priority must be 1, 2 or 3", nil)
	}
	if in.EstimatedMinutes < 0 {
		return cerr.NewError(cerr.InvalidArgument, "estimatedMinutes must not be negative", nil)
	}
	return nil
}

// CreateTask persists a new pending task and announces it on the bus so the
// dispatcher can try an immediate auto-assignment.
func (e *Engine) CreateTask(ctx context.Context, in *CreateTaskInput) (*task.Task, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := e.now()
	t := &task.Task{
		ID:          ulid.Make().String(),
		OwnerID:     in.OwnerID,
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Status:      task.StatusPending,
		Priority:    task.Priority(in.Priority),
		Timing: task.Timing{
			EstimatedMinutes: in.EstimatedMinutes,
			ScheduledStart:   in.ScheduledStart,
			Deadline:         in.Deadline,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.tasks.Create(ctx, t); err != nil {
		return nil, err
	}
	e.audit.Record(ctx, &auditlog.Entry{
		TaskID: t.ID,
		UserID: t.OwnerID,
		Action: auditlog.ActionCreated,
		Details: map[string]string{
			"title":    t.Title,
			"priority": strconv.Itoa(int(t.Priority)),
		},
	})
	e.bus.PublishNew(eventbus.TypeTaskCreated, t.ID, t.OwnerID, "", nil)
	slog.InfoContext(ctx, "task created", "task_id", t.ID, "owner_id", t.OwnerID, "priority", t.Priority)
	return t, nil
}

// AssignTask pushes a specific task at a specific device through the full
// reservation saga.
func (e *Engine) AssignTask(ctx context.Context, taskID, deviceID string) (*task.Task, error) {
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return e.dispatcher.DispatchTask(ctx, t, deviceID)
}

// StartTask is the user-originated start; device-originated starts come in
// through the router.
func (e *Engine) StartTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return e.machine.Start(ctx, taskID, t.AssignedDevice)
}

func (e *Engine) PauseTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return e.machine.Pause(ctx, taskID, t.AssignedDevice)
}

// CompleteTask finalizes a task on the user's behalf and frees its device.
func (e *Engine) CompleteTask(ctx context.Context, taskID string, rating int, feedback string) (*task.Task, error) {
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	done, err := e.machine.Complete(ctx, taskID, t.AssignedDevice, 0, rating, feedback)
	if err != nil {
		return nil, err
	}
	e.releaseIfBound(ctx, done)
	e.bus.PublishNew(eventbus.TypeTaskCompleted, done.ID, done.OwnerID, done.AssignedDevice, map[string]string{
		"title": done.Title,
	})
	return done, nil
}

// CancelTask aborts a task and frees its device, if any.
func (e *Engine) CancelTask(ctx context.Context, taskID, reason string) (*task.Task, error) {
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	cancelled, err := e.machine.Cancel(ctx, taskID, t.AssignedDevice, reason)
	if err != nil {
		return nil, err
	}
	e.releaseIfBound(ctx, cancelled)
	return cancelled, nil
}

func (e *Engine) releaseIfBound(ctx context.Context, t *task.Task) {
	if t.AssignedDevice == "" {
		return
	}
	bound, err := e.bindings.ActiveTaskID(ctx, t.AssignedDevice)
	if err != nil || bound != t.ID {
		return
	}
	if err := e.bindings.Release(ctx, t.AssignedDevice); err != nil {
		slog.WarnContext(ctx, "failed to release device binding", "device_id", t.AssignedDevice, "task_id", t.ID, "error", err)
	}
}

func (e *Engine) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	return e.tasks.Get(ctx, taskID)
}

func (e *Engine) ListTasks(ctx context.Context, ownerID string, status task.Status) ([]*task.Task, error) {
	return e.tasks.List(ctx, ownerID, status)
}

// RegisterDeviceInput registers a lamp ahead of its first request message.
type RegisterDeviceInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (e *Engine) RegisterDevice(ctx context.Context, in *RegisterDeviceInput) (*device.Device, error) {
	if !deviceid.Valid(in.ID) {
		return nil, cerr.NewError(cerr.InvalidArgument, "device id must look like YYYYMMDD-owner-xxxxxx", nil)
	}
	owner, err := deviceid.Owner(in.ID)
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "device id must look like YYYYMMDD-owner-xxxxxx", err)
	}
	name := in.Name
	if name == "" {
		name = in.ID
	}
	now := e.now()
	dev := &device.Device{
		ID:        in.ID,
		OwnerID:   owner,
		Name:      name,
		Status:    device.StatusOffline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.devices.Create(ctx, dev); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "device registered", "device_id", dev.ID, "owner_id", owner)
	return dev, nil
}

func (e *Engine) GetDevice(ctx context.Context, deviceID string) (*device.Device, error) {
	return e.devices.Get(ctx, deviceID)
}

func (e *Engine) ListDevices(ctx context.Context, ownerID string) ([]*device.Device, error) {
	return e.devices.List(ctx, ownerID)
}

// SendDeviceCommand fires an administrative command at a device.
func (e *Engine) SendDeviceCommand(ctx context.Context, deviceID string, cmd command.Command, data map[string]any) error {
	if _, err := e.devices.Get(ctx, deviceID); err != nil {
		return err
	}
	return e.channel.Send(ctx, deviceID, cmd, data)
}

// IsDeviceOnline answers from the in-memory liveness tracker, not from the
// stored status, so a crashed lamp reads offline even if it never said so.
func (e *Engine) IsDeviceOnline(deviceID string) bool {
	return e.tracker.IsOnline(deviceID)
}

// Status is the engine-wide connection snapshot.
type Status struct {
	Connected         bool `json:"connected"`
	ReconnectAttempts int  `json:"reconnectAttempts"`
	ActiveDeviceCount int  `json:"activeDeviceCount"`
}

func (e *Engine) Status() Status {
	st := Status{ActiveDeviceCount: e.tracker.ActiveCount()}
	if e.transport != nil {
		ts := e.transport.Status()
		st.Connected = ts.Connected
		st.ReconnectAttempts = ts.ReconnectAttempts
	}
	return st
}
