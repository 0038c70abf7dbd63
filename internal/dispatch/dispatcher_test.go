package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktsuji/lamphub/internal/auditlog"
	auditrepo "github.com/ktsuji/lamphub/internal/auditlog/repositoryimpl"
	"github.com/ktsuji/lamphub/internal/binding"
	"github.com/ktsuji/lamphub/internal/device"
	devicerepo "github.com/ktsuji/lamphub/internal/device/repositoryimpl"
	"github.com/ktsuji/lamphub/internal/dispatch"
	"github.com/ktsuji/lamphub/internal/eventbus"
	"github.com/ktsuji/lamphub/internal/lifecycle"
	"github.com/ktsuji/lamphub/internal/liveness"
	"github.com/ktsuji/lamphub/internal/task"
	taskrepo "github.com/ktsuji/lamphub/internal/task/repositoryimpl"
	"github.com/ktsuji/lamphub/pkg/cerr"
	"github.com/ktsuji/lamphub/pkg/storage"
)

// fakePublisher records published payloads and can be told to fail.
type fakePublisher struct {
	mu          sync.Mutex
	published   []dispatch.TaskPayload
	devices     []string
	deadline    time.Time
	hasDeadline bool
	err         error
}

func (p *fakePublisher) PublishTask(ctx context.Context, deviceID string, payload dispatch.TaskPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadline, p.hasDeadline = ctx.Deadline()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, payload)
	p.devices = append(p.devices, deviceID)
	return nil
}

type fixture struct {
	tasks      task.Repository
	devices    device.Repository
	audit      auditlog.Repository
	bindings   *binding.Manager
	tracker    *liveness.Tracker
	pub        *fakePublisher
	dispatcher *dispatch.Dispatcher
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		tasks:   taskrepo.NewYAMLRepository(store),
		devices: devicerepo.NewYAMLRepository(store),
		audit:   auditrepo.NewYAMLRepository(store),
		pub:     &fakePublisher{},
		tracker: liveness.NewTracker(),
		now:     time.Date(2025, 1, 14, 10, 0, 0, 0, time.UTC),
	}
	recorder := auditlog.NewRecorder(f.audit)
	machine := lifecycle.New(f.tasks, recorder)
	f.bindings = binding.NewManager(f.devices)
	f.dispatcher = dispatch.New(f.tasks, f.devices, f.bindings, machine, f.tracker, f.pub, recorder, eventbus.New())
	return f
}

func (f *fixture) createTask(t *testing.T, id string, priority task.Priority, createdAt time.Time) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:        id,
		OwnerID:   "alice",
		Title:     "task " + id,
		Status:    task.StatusPending,
		Priority:  priority,
		Timing:    task.Timing{EstimatedMinutes: 30},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, f.tasks.Create(context.Background(), tk))
	return tk
}

func (f *fixture) createDevice(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.devices.Create(context.Background(), &device.Device{
		ID:        id,
		OwnerID:   "alice",
		Name:      id,
		Status:    device.StatusOnline,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}))
}

func TestDispatchTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, "lamp-1")
	tk := f.createTask(t, "task-1", task.PriorityMedium, f.now)

	dispatched, err := f.dispatcher.DispatchTask(ctx, tk, "lamp-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, dispatched.Status)
	assert.Equal(t, "lamp-1", dispatched.AssignedDevice)

	require.Len(t, f.pub.published, 1)
	assert.Equal(t, "task-1", f.pub.published[0].ID)
	assert.Equal(t, 30, f.pub.published[0].Duration)
	assert.Equal(t, []string{"lamp-1"}, f.pub.devices)

	dev, err := f.devices.Get(ctx, "lamp-1")
	require.NoError(t, err)
	assert.True(t, dev.HasActiveTask())
	assert.Equal(t, "task-1", dev.CurrentTask.TaskID)
	assert.Equal(t, 1, dev.Statistics.TasksReceived)

	entries, err := f.audit.List(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.ActionAssigned, entries[0].Action)
}

func TestDispatchToBusyDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, "lamp-1")
	t1 := f.createTask(t, "task-1", task.PriorityMedium, f.now)
	t2 := f.createTask(t, "task-2", task.PriorityMedium, f.now)

	_, err := f.dispatcher.DispatchTask(ctx, t1, "lamp-1")
	require.NoError(t, err)

	_, err = f.dispatcher.DispatchTask(ctx, t2, "lamp-1")
	assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))

	// The losing task must stay dispatchable.
	stored, err := f.tasks.Get(ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, stored.Status)
}

func TestPublishFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, "lamp-1")
	tk := f.createTask(t, "task-1", task.PriorityMedium, f.now)
	f.pub.err = errors.New("broker unreachable")

	_, err := f.dispatcher.DispatchTask(ctx, tk, "lamp-1")
	assert.True(t, cerr.IsCode(err, cerr.Unavailable))

	// Both writes compensated: task back to pending, device free.
	stored, err := f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, stored.Status)
	assert.Empty(t, stored.AssignedDevice)

	dev, err := f.devices.Get(ctx, "lamp-1")
	require.NoError(t, err)
	assert.False(t, dev.HasActiveTask())

	// The failed attempt retries cleanly once the transport recovers.
	f.pub.err = nil
	dispatched, err := f.dispatcher.DispatchPending(ctx, "alice", "lamp-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", dispatched.ID)
}

func TestPublishTimeoutConfigurable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, "lamp-1")
	tk := f.createTask(t, "task-1", task.PriorityMedium, f.now)

	f.dispatcher.SetPublishTimeout(250 * time.Millisecond)
	before := time.Now()
	_, err := f.dispatcher.DispatchTask(ctx, tk, "lamp-1")
	require.NoError(t, err)

	require.True(t, f.pub.hasDeadline, "publish context must carry a deadline")
	assert.WithinDuration(t, before.Add(250*time.Millisecond), f.pub.deadline, 200*time.Millisecond)
}

func TestSelectNextPriorityFIFO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, "lamp-1")
	f.createTask(t, "task-low", task.PriorityLow, f.now)
	f.createTask(t, "task-high-late", task.PriorityHigh, f.now.Add(5*time.Minute))
	f.createTask(t, "task-high-early", task.PriorityHigh, f.now.Add(2*time.Minute))

	dispatched, err := f.dispatcher.DispatchPending(ctx, "alice", "lamp-1")
	require.NoError(t, err)
	assert.Equal(t, "task-high-early", dispatched.ID,
		"highest priority wins, creation order breaks the tie")
}

func TestDispatchPendingNothingToDo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, "lamp-1")

	dispatched, err := f.dispatcher.DispatchPending(ctx, "alice", "lamp-1")
	require.NoError(t, err)
	assert.Nil(t, dispatched)
}

func TestDispatchSkipsDeactivatedTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, "lamp-1")
	tk := f.createTask(t, "task-1", task.PriorityHigh, f.now)
	_, err := f.tasks.Mutate(ctx, tk.ID, func(t *task.Task) error {
		t.Deactivated = true
		return nil
	})
	require.NoError(t, err)
	f.createTask(t, "task-2", task.PriorityLow, f.now)

	dispatched, err := f.dispatcher.DispatchPending(ctx, "alice", "lamp-1")
	require.NoError(t, err)
	assert.Equal(t, "task-2", dispatched.ID)
}

func TestAutoAssign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, "lamp-1")
	f.createDevice(t, "lamp-2")
	f.createDevice(t, "lamp-3")
	f.createTask(t, "task-busy", task.PriorityHigh, f.now)
	f.createTask(t, "task-next", task.PriorityMedium, f.now)

	// lamp-1 never spoke, lamp-2 and lamp-3 are live.
	f.tracker.RecordActivity("lamp-2")
	f.tracker.RecordActivity("lamp-3")

	// Occupy lamp-2 so auto-assignment has to fall through to lamp-3.
	busy, err := f.tasks.Get(ctx, "task-busy")
	require.NoError(t, err)
	_, err = f.dispatcher.DispatchTask(ctx, busy, "lamp-2")
	require.NoError(t, err)

	dispatched, err := f.dispatcher.AutoAssign(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, dispatched)
	assert.Equal(t, "task-next", dispatched.ID)
	assert.Equal(t, "lamp-3", dispatched.AssignedDevice)
}

func TestAutoAssignNoEligibleDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createDevice(t, "lamp-1")
	f.createTask(t, "task-1", task.PriorityHigh, f.now)

	// lamp-1 exists but has never spoken, so it is offline.
	dispatched, err := f.dispatcher.AutoAssign(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, dispatched)
}
