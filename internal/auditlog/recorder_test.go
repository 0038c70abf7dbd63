package auditlog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktsuji/lamphub/internal/auditlog"
	"github.com/ktsuji/lamphub/internal/auditlog/repositoryimpl"
	"github.com/ktsuji/lamphub/pkg/storage"
)

func newRecorder(t *testing.T) (*auditlog.Recorder, auditlog.Repository) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	repo := repositoryimpl.NewYAMLRepository(store)
	return auditlog.NewRecorder(repo), repo
}

func TestRecordFillsEntry(t *testing.T) {
	ctx := context.Background()
	rec, repo := newRecorder(t)

	rec.Record(ctx, &auditlog.Entry{
		TaskID: "task-1",
		UserID: "alice",
		Action: auditlog.ActionCreated,
	})

	entries, err := repo.List(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, rec.SessionID(), e.SessionID)
	assert.False(t, e.CreatedAt.IsZero())
	assert.Equal(t, auditlog.ActionCreated, e.Action)
}

func TestEntriesAreOrdered(t *testing.T) {
	ctx := context.Background()
	rec, repo := newRecorder(t)

	actions := []auditlog.Action{
		auditlog.ActionCreated,
		auditlog.ActionAssigned,
		auditlog.ActionStarted,
		auditlog.ActionCompleted,
	}
	for _, a := range actions {
		rec.Record(ctx, &auditlog.Entry{TaskID: "task-1", UserID: "alice", Action: a})
	}

	entries, err := repo.List(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, entries, len(actions))
	for i, a := range actions {
		assert.Equal(t, a, entries[i].Action)
	}
}

func TestListFiltersByTask(t *testing.T) {
	ctx := context.Background()
	rec, repo := newRecorder(t)

	rec.Record(ctx, &auditlog.Entry{TaskID: "task-1", UserID: "alice", Action: auditlog.ActionCreated})
	rec.Record(ctx, &auditlog.Entry{TaskID: "task-2", UserID: "alice", Action: auditlog.ActionCreated})

	entries, err := repo.List(ctx, "task-2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "task-2", entries[0].TaskID)
}
