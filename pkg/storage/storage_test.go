package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTaskRoundTrip(t *testing.T) {
	store := openTestStore(t)

	task := &types.Task{
		ID:       "t1",
		Title:    "Build feature",
		Category: types.CategoryCoding,
		Priority: types.PriorityHigh,
		Status:   types.TaskStatusCompleted,
	}
	require.NoError(t, store.SaveTask(task))

	tasks, err := store.LoadTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
	assert.Equal(t, types.PriorityHigh, tasks[0].Priority)
	assert.Equal(t, types.TaskStatusCompleted, tasks[0].Status)
}

func TestResultRoundTrip(t *testing.T) {
	store := openTestStore(t)

	result := &types.TaskResult{
		TaskID: "t1",
		Status: types.TaskStatusFailed,
		Error:  "agent crashed",
		ErrorKind: types.ErrInternal,
	}
	require.NoError(t, store.SaveResult(result))

	// Overwrite is idempotent: same key, last write wins.
	require.NoError(t, store.SaveResult(result))

	results, err := store.LoadResults()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.ErrInternal, results[0].ErrorKind)
}

func TestSessionLifecycle(t *testing.T) {
	store := openTestStore(t)

	session := &types.Session{
		ID:        "session-1",
		WorkerID:  "w1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, store.SaveSession(session))

	sessions, err := store.LoadSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "w1", sessions[0].WorkerID)

	require.NoError(t, store.DeleteSession("session-1"))
	sessions, err = store.LoadSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// Deleting a missing session is a no-op.
	require.NoError(t, store.DeleteSession("session-1"))
}

func TestReopenPreservesState(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveTask(&types.Task{ID: "t1", Title: "x"}))
	require.NoError(t, store.Close())

	store, err = Open(dir)
	require.NoError(t, err)
	defer store.Close()

	tasks, err := store.LoadTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}
