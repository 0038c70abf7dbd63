package binding_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktsuji/lamphub/internal/binding"
	"github.com/ktsuji/lamphub/internal/device"
	devicerepo "github.com/ktsuji/lamphub/internal/device/repositoryimpl"
	"github.com/ktsuji/lamphub/pkg/cerr"
	"github.com/ktsuji/lamphub/pkg/storage"
)

func newManager(t *testing.T) (*binding.Manager, device.Repository) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	repo := devicerepo.NewYAMLRepository(store)
	return binding.NewManager(repo), repo
}

func createDevice(t *testing.T, repo device.Repository, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, repo.Create(context.Background(), &device.Device{
		ID:        id,
		OwnerID:   "alice",
		Name:      id,
		Status:    device.StatusOnline,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func TestReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	m, repo := newManager(t)
	createDevice(t, repo, "lamp-1")

	prior, err := m.Reserve(ctx, "lamp-1", "task-1")
	require.NoError(t, err)
	assert.Nil(t, prior)

	bound, err := m.ActiveTaskID(ctx, "lamp-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", bound)

	// A busy device rejects a second reservation.
	_, err = m.Reserve(ctx, "lamp-1", "task-2")
	assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))

	require.NoError(t, m.Release(ctx, "lamp-1"))
	bound, err = m.ActiveTaskID(ctx, "lamp-1")
	require.NoError(t, err)
	assert.Empty(t, bound)

	// Released device accepts new work; releasing a free device is harmless.
	require.NoError(t, m.Release(ctx, "lamp-1"))
	_, err = m.Reserve(ctx, "lamp-1", "task-2")
	require.NoError(t, err)
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	ctx := context.Background()
	m, repo := newManager(t)
	createDevice(t, repo, "lamp-1")

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Reserve(ctx, "lamp-1", fmt.Sprintf("task-%d", i))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent reservation must win")
}

func TestRollbackRestoresPrior(t *testing.T) {
	ctx := context.Background()
	m, repo := newManager(t)
	createDevice(t, repo, "lamp-1")

	prior, err := m.Reserve(ctx, "lamp-1", "task-1")
	require.NoError(t, err)

	require.NoError(t, m.Rollback(ctx, "lamp-1", "task-1", prior))
	bound, err := m.ActiveTaskID(ctx, "lamp-1")
	require.NoError(t, err)
	assert.Empty(t, bound, "rollback must free the device")
}

func TestRollbackLeavesForeignBindingAlone(t *testing.T) {
	ctx := context.Background()
	m, repo := newManager(t)
	createDevice(t, repo, "lamp-1")

	prior, err := m.Reserve(ctx, "lamp-1", "task-1")
	require.NoError(t, err)

	// Device moved on: released and rebound to a different task.
	require.NoError(t, m.Release(ctx, "lamp-1"))
	_, err = m.Reserve(ctx, "lamp-1", "task-2")
	require.NoError(t, err)

	// Stale rollback for task-1 must not clobber task-2's binding.
	require.NoError(t, m.Rollback(ctx, "lamp-1", "task-1", prior))
	bound, err := m.ActiveTaskID(ctx, "lamp-1")
	require.NoError(t, err)
	assert.Equal(t, "task-2", bound)
}

func TestReserveUnknownDevice(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	_, err := m.Reserve(ctx, "no-such-lamp", "task-1")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}
