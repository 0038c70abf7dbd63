package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktsuji/lamphub/internal/auditlog"
	auditrepo "github.com/ktsuji/lamphub/internal/auditlog/repositoryimpl"
	"github.com/ktsuji/lamphub/internal/binding"
	"github.com/ktsuji/lamphub/internal/device"
	devicerepo "github.com/ktsuji/lamphub/internal/device/repositoryimpl"
	"github.com/ktsuji/lamphub/internal/eventbus"
	"github.com/ktsuji/lamphub/internal/lifecycle"
	"github.com/ktsuji/lamphub/internal/liveness"
	"github.com/ktsuji/lamphub/internal/router"
	"github.com/ktsuji/lamphub/internal/task"
	taskrepo "github.com/ktsuji/lamphub/internal/task/repositoryimpl"
	"github.com/ktsuji/lamphub/internal/userstats"
	userstatsrepo "github.com/ktsuji/lamphub/internal/userstats/repositoryimpl"
	"github.com/ktsuji/lamphub/pkg/storage"
)

const deviceID = "20250114-alice-x7k2m9"

type fixture struct {
	tasks    task.Repository
	devices  device.Repository
	stats    userstats.Repository
	audit    auditlog.Repository
	bindings *binding.Manager
	tracker  *liveness.Tracker
	bus      *eventbus.Bus
	events   <-chan *eventbus.Event
	router   *router.Router
	machine  *lifecycle.Machine
	now      *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	now := time.Date(2025, 1, 14, 10, 0, 0, 0, time.UTC)
	f := &fixture{
		tasks:   taskrepo.NewYAMLRepository(store),
		devices: devicerepo.NewYAMLRepository(store),
		stats:   userstatsrepo.NewYAMLRepository(store),
		audit:   auditrepo.NewYAMLRepository(store),
		tracker: liveness.NewTrackerWithClock(5*time.Minute, func() time.Time { return now }),
		bus:     eventbus.New(),
		now:     &now,
	}
	recorder := auditlog.NewRecorder(f.audit)
	f.machine = lifecycle.NewWithClock(f.tasks, recorder, func() time.Time { return now })
	f.bindings = binding.NewManagerWithClock(f.devices, func() time.Time { return now })
	f.router = router.NewWithClock(f.devices, f.stats, f.machine, f.bindings, f.tracker, recorder, f.bus,
		func() time.Time { return now })

	_, f.events = f.bus.Subscribe(16)
	return f
}

func (f *fixture) createDevice(t *testing.T, status device.Status) {
	t.Helper()
	require.NoError(t, f.devices.Create(context.Background(), &device.Device{
		ID:        deviceID,
		OwnerID:   "alice",
		Name:      "desk lamp",
		Status:    status,
		CreatedAt: *f.now,
		UpdatedAt: *f.now,
	}))
}

// bindTask creates an assigned task held by the device.
func (f *fixture) bindTask(t *testing.T, taskID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.tasks.Create(ctx, &task.Task{
		ID:       taskID,
		OwnerID:  "alice",
		Title:    "task " + taskID,
		Status:   task.StatusPending,
		Priority: task.PriorityMedium,
		Timing:   task.Timing{EstimatedMinutes: 30},
	}))
	_, err := f.bindings.Reserve(ctx, deviceID, taskID)
	require.NoError(t, err)
	_, err = f.machine.Assign(ctx, taskID, deviceID)
	require.NoError(t, err)
}

func (f *fixture) expectEvent(t *testing.T, typ eventbus.Type) *eventbus.Event {
	t.Helper()
	select {
	case e := <-f.events:
		assert.Equal(t, typ, e.Type)
		return e
	case <-time.After(time.Second):
		t.Fatalf("expected %s event", typ)
		return nil
	}
}

func (f *fixture) expectNoEvent(t *testing.T) {
	t.Helper()
	select {
	case e := <-f.events:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestStatusMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, device.StatusOffline)

	f.router.HandleInbound(ctx, deviceID, "status", []byte(`{"status":"online"}`))

	dev, err := f.devices.Get(ctx, deviceID)
	require.NoError(t, err)
	assert.Equal(t, device.StatusOnline, dev.Status)
	assert.Equal(t, *f.now, dev.LastSeen)
	assert.True(t, f.tracker.IsOnline(deviceID))

	event := f.expectEvent(t, eventbus.TypeDeviceOnline)
	assert.Equal(t, deviceID, event.DeviceID)
	assert.Equal(t, "alice", event.OwnerID)

	// A free lamp re-reporting online is announced again so waiting work
	// still gets dispatched; a busy one makes the dispatch a no-op.
	f.router.HandleInbound(ctx, deviceID, "status", []byte(`{"status":"online"}`))
	f.expectEvent(t, eventbus.TypeDeviceOnline)
}

func TestStatusMessageMalformed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, device.StatusOffline)

	f.router.HandleInbound(ctx, deviceID, "status", []byte(`{not json`))
	f.router.HandleInbound(ctx, deviceID, "status", []byte(`{"status":"sleeping"}`))

	dev, err := f.devices.Get(ctx, deviceID)
	require.NoError(t, err)
	assert.Equal(t, device.StatusOffline, dev.Status, "malformed reports must not change state")
	// Liveness still counts: the lamp did speak.
	assert.True(t, f.tracker.IsOnline(deviceID))
}

func TestTaskStatusStartAndPause(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, device.StatusOnline)
	f.bindTask(t, "task-1")

	// The body only carries the status; the task comes from the binding.
	f.router.HandleInbound(ctx, deviceID, "task_status", []byte(`{"status":"started"}`))
	stored, err := f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, stored.Status)

	*f.now = f.now.Add(10 * time.Minute)
	f.router.HandleInbound(ctx, deviceID, "task_status", []byte(`{"taskId":"task-1","status":"paused"}`))
	stored, err = f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, stored.Status)
	assert.Equal(t, 10, stored.Timing.ActualMinutes)
}

func TestTaskStatusForUnboundTaskDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, device.StatusOnline)
	f.bindTask(t, "task-1")
	require.NoError(t, f.tasks.Create(ctx, &task.Task{
		ID:       "task-2",
		OwnerID:  "alice",
		Title:    "other",
		Status:   task.StatusAssigned,
		Priority: task.PriorityMedium,
	}))

	// The device holds task-1, so a report about task-2 is dropped.
	f.router.HandleInbound(ctx, deviceID, "task_status", []byte(`{"taskId":"task-2","status":"started"}`))
	stored, err := f.tasks.Get(ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, stored.Status)
}

func TestCompletedMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, device.StatusOnline)
	f.bindTask(t, "task-1")
	*f.now = f.now.Add(20 * time.Minute)

	f.router.HandleInbound(ctx, deviceID, "completed",
		[]byte(`{"taskId":"task-1","actualDuration":40,"rating":4,"feedback":"cozy"}`))

	stored, err := f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, stored.Status)
	assert.Equal(t, 40, stored.Timing.ActualMinutes)

	dev, err := f.devices.Get(ctx, deviceID)
	require.NoError(t, err)
	assert.False(t, dev.HasActiveTask(), "completion frees the device")
	assert.Equal(t, 1, dev.Statistics.TasksCompleted)
	assert.Equal(t, 20, dev.Statistics.AvgResponseMinutes, "response time runs from binding to completion")

	stats, err := f.stats.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TasksCompleted)
	assert.Equal(t, 40, stats.TotalActualMinutes)
	assert.Equal(t, 30, stats.TotalEstimatedMinutes)
	assert.Equal(t, 75, stats.AvgEfficiencyPercent)

	event := f.expectEvent(t, eventbus.TypeTaskCompleted)
	assert.Equal(t, "task-1", event.ResourceID)
}

func TestCompletedForUnknownTaskDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, device.StatusOnline)
	f.bindTask(t, "task-1")

	f.router.HandleInbound(ctx, deviceID, "completed", []byte(`{"taskId":"ghost"}`))

	// Binding intact, no completion event, no audit entry for the ghost.
	bound, err := f.bindings.ActiveTaskID(ctx, deviceID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", bound)
	f.expectNoEvent(t)

	entries, err := f.audit.List(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProgressMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, device.StatusOnline)
	f.bindTask(t, "task-1")

	// The body carries elapsed/total; the task comes from the binding.
	f.router.HandleInbound(ctx, deviceID, "progress", []byte(`{"elapsedMinutes":15,"totalMinutes":30}`))

	stored, err := f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 50, stored.Progress.Percentage)

	f.router.HandleInbound(ctx, deviceID, "progress", []byte(`{"elapsedMinutes":80,"totalMinutes":30}`))
	stored, err = f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 100, stored.Progress.Percentage, "progress clamps to 100")

	entries, err := f.audit.List(ctx, "task-1")
	require.NoError(t, err)
	var audited []int
	for _, e := range entries {
		if e.Action == auditlog.ActionProgressUpdated {
			require.NotNil(t, e.Metrics)
			audited = append(audited, e.Metrics.FocusPercent)
		}
	}
	assert.Equal(t, []int{50, 100}, audited, "every progress update must be audited")
}

func TestProgressWithoutBindingDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, device.StatusOnline)

	f.router.HandleInbound(ctx, deviceID, "progress", []byte(`{"elapsedMinutes":10,"totalMinutes":20}`))

	entries, err := f.audit.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries, "an idle lamp has no task to report progress on")
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, device.StatusOffline)

	f.router.HandleInbound(ctx, deviceID, "heartbeat", nil)

	assert.True(t, f.tracker.IsOnline(deviceID))
	dev, err := f.devices.Get(ctx, deviceID)
	require.NoError(t, err)
	assert.Equal(t, device.StatusOnline, dev.Status, "heartbeat revives a stored offline status")
	f.expectEvent(t, eventbus.TypeDeviceOnline)

	// Heartbeats from unregistered devices only feed liveness.
	f.router.HandleInbound(ctx, "20250114-bob-aaa111", "heartbeat", nil)
	assert.True(t, f.tracker.IsOnline("20250114-bob-aaa111"))
}

func TestRequestAutoRegisters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.router.HandleInbound(ctx, deviceID, "request", nil)

	dev, err := f.devices.Get(ctx, deviceID)
	require.NoError(t, err)
	assert.Equal(t, "alice", dev.OwnerID, "owner comes from the device id")
	assert.Equal(t, device.StatusOnline, dev.Status)

	event := f.expectEvent(t, eventbus.TypeWorkRequested)
	assert.Equal(t, deviceID, event.DeviceID)
	assert.Equal(t, "alice", event.OwnerID)
}

func TestRequestMalformedIDDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.router.HandleInbound(ctx, "not!a!device", "request", nil)

	f.expectNoEvent(t)
	devs, err := f.devices.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, devs)
}
