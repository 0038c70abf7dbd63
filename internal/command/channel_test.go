package command_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktsuji/lamphub/internal/auditlog"
	auditrepo "github.com/ktsuji/lamphub/internal/auditlog/repositoryimpl"
	"github.com/ktsuji/lamphub/internal/command"
	"github.com/ktsuji/lamphub/internal/liveness"
	"github.com/ktsuji/lamphub/pkg/cerr"
	"github.com/ktsuji/lamphub/pkg/storage"
)

type fakePublisher struct {
	payloads    []command.Payload
	devices     []string
	deadline    time.Time
	hasDeadline bool
	err         error
}

func (p *fakePublisher) PublishCommand(ctx context.Context, deviceID string, payload command.Payload) error {
	p.deadline, p.hasDeadline = ctx.Deadline()
	if p.err != nil {
		return p.err
	}
	p.devices = append(p.devices, deviceID)
	p.payloads = append(p.payloads, payload)
	return nil
}

func newChannel(t *testing.T) (*command.Channel, *fakePublisher, *liveness.Tracker, auditlog.Repository) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	audit := auditrepo.NewYAMLRepository(store)
	pub := &fakePublisher{}
	tracker := liveness.NewTracker()
	return command.NewChannel(pub, tracker, auditlog.NewRecorder(audit)), pub, tracker, audit
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	ch, pub, _, audit := newChannel(t)

	err := ch.Send(ctx, "lamp-1", command.GetStatus, map[string]any{"verbose": true})
	require.NoError(t, err)

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, "get_status", pub.payloads[0].Command)
	assert.Equal(t, []string{"lamp-1"}, pub.devices)
	assert.NotZero(t, pub.payloads[0].Timestamp)

	entries, err := audit.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.ActionDeviceInteraction, entries[0].Action)
	assert.Equal(t, "lamp-1", entries[0].DeviceID)
	assert.Equal(t, "get_status", entries[0].Details["command"])
}

func TestSendUnknownCommand(t *testing.T) {
	ctx := context.Background()
	ch, pub, _, _ := newChannel(t)

	err := ch.Send(ctx, "lamp-1", command.Command("self_destruct"), nil)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
	assert.Empty(t, pub.payloads)
}

func TestDestructiveCommandRequiresOnlineDevice(t *testing.T) {
	ctx := context.Background()
	ch, pub, tracker, _ := newChannel(t)

	err := ch.Send(ctx, "lamp-1", command.FactoryReset, nil)
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
	assert.Empty(t, pub.payloads)

	tracker.RecordActivity("lamp-1")
	err = ch.Send(ctx, "lamp-1", command.FactoryReset, nil)
	require.NoError(t, err)
	require.Len(t, pub.payloads, 1)
}

func TestNonDestructiveCommandOfflineOK(t *testing.T) {
	ctx := context.Background()
	ch, pub, _, _ := newChannel(t)

	// restart is fire-and-forget even at an unreachable lamp.
	err := ch.Send(ctx, "lamp-1", command.Restart, nil)
	require.NoError(t, err)
	require.Len(t, pub.payloads, 1)
}

func TestSendPublishTimeoutConfigurable(t *testing.T) {
	ctx := context.Background()
	ch, pub, _, _ := newChannel(t)

	ch.SetPublishTimeout(250 * time.Millisecond)
	before := time.Now()
	require.NoError(t, ch.Send(ctx, "lamp-1", command.GetStatus, nil))

	require.True(t, pub.hasDeadline, "publish context must carry a deadline")
	assert.WithinDuration(t, before.Add(250*time.Millisecond), pub.deadline, 200*time.Millisecond)
}

func TestPublishFailure(t *testing.T) {
	ctx := context.Background()
	ch, pub, _, audit := newChannel(t)
	pub.err = errors.New("broker unreachable")

	err := ch.Send(ctx, "lamp-1", command.GetStatus, nil)
	assert.True(t, cerr.IsCode(err, cerr.Unavailable))

	// A command that never reached the transport is not audited.
	entries, listErr := audit.List(ctx, "")
	require.NoError(t, listErr)
	assert.Empty(t, entries)
}
