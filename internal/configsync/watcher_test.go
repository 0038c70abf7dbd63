package configsync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktsuji/lamphub/internal/command"
	"github.com/ktsuji/lamphub/internal/configsync"
	"github.com/ktsuji/lamphub/internal/device"
	devicerepo "github.com/ktsuji/lamphub/internal/device/repositoryimpl"
	"github.com/ktsuji/lamphub/pkg/storage"
)

type capturingPublisher struct {
	mu       sync.Mutex
	payloads []command.Payload
	devices  []string
}

func (p *capturingPublisher) PublishCommand(_ context.Context, deviceID string, payload command.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = append(p.devices, deviceID)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func (p *capturingPublisher) last() (string, command.Payload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devices[len(p.devices)-1], p.payloads[len(p.payloads)-1]
}

func TestWatcherPushesConfigurationChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	repo := devicerepo.NewYAMLRepository(store)
	pub := &capturingPublisher{}

	w := configsync.NewWatcher(repo, pub, store.BasePath())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	// Give the watcher time to register before producing events.
	time.Sleep(200 * time.Millisecond)

	now := time.Now()
	require.NoError(t, repo.Create(ctx, &device.Device{
		ID:            "20250114-alice-x7k2m9",
		OwnerID:       "alice",
		Name:          "desk lamp",
		Status:        device.StatusOnline,
		Configuration: map[string]string{"brightness": "70"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	require.Eventually(t, func() bool { return pub.count() >= 1 }, 3*time.Second, 50*time.Millisecond,
		"new device configuration must be pushed")
	deviceID, payload := pub.last()
	assert.Equal(t, "20250114-alice-x7k2m9", deviceID)
	assert.Equal(t, "update_config", payload.Command)
	assert.Equal(t, "70", payload.Data["brightness"])

	// An edit to the configuration triggers another push.
	_, err = repo.Mutate(ctx, "20250114-alice-x7k2m9", func(d *device.Device) error {
		d.Configuration["brightness"] = "30"
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return pub.count() >= 2 }, 3*time.Second, 50*time.Millisecond)
	_, payload = pub.last()
	assert.Equal(t, "30", payload.Data["brightness"])

	// Writes that leave the configuration untouched must not push.
	before := pub.count()
	_, err = repo.Mutate(ctx, "20250114-alice-x7k2m9", func(d *device.Device) error {
		d.Statistics.TasksReceived++
		return nil
	})
	require.NoError(t, err)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, before, pub.count(), "statistics churn must not rebroadcast configuration")

	cancel()
	require.NoError(t, <-done)
}
