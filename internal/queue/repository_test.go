package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surveylink/surveylink/internal/storage"
	"github.com/surveylink/surveylink/pkg/types"
)

func setupRepo(t *testing.T) *TransferRepository {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := NewTransferRepository(db, nil)
	require.NoError(t, err)
	return repo
}

func newTask(deviceID string) types.TransferTask {
	return types.TransferTask{
		DeviceID:   deviceID,
		CampaignID: 7,
		Files: []types.TransferFile{
			{Name: "c7_001.wav", Size: 1000, CampaignID: 7},
			{Name: "c7_002.wav", Size: 500, CampaignID: 7},
		},
	}
}

func TestCreateAssignsDefaults(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	task, err := repo.Create(ctx, newTask("dev-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, types.TransferPending, task.Status)
	assert.Equal(t, DefaultMaxRetries, task.MaxRetries)
	assert.Equal(t, int64(1500), task.Progress.TotalBytes)

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}

func TestGetUnknownTask(t *testing.T) {
	repo := setupRepo(t)

	_, err := repo.Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, types.CodeTaskNotFound, types.CodeOf(err))
}

func TestActiveTasksAfterCompletion(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	var tasks []types.TransferTask
	for i := 0; i < 5; i++ {
		tasks = append(tasks, newTask("dev-1"))
	}
	created, err := repo.CreateMany(ctx, tasks)
	require.NoError(t, err)

	active, err := repo.ActiveTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 5)

	for _, task := range created[:2] {
		_, err := repo.MarkCompleted(ctx, task.ID)
		require.NoError(t, err)
	}

	active, err = repo.ActiveTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestLifecycleTransitions(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	task, err := repo.Create(ctx, newTask("dev-1"))
	require.NoError(t, err)

	started, err := repo.Start(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferRunning, started.Status)
	assert.NotNil(t, started.StartedAt)

	// Starting twice is an invalid transition.
	_, err = repo.Start(ctx, task.ID)
	assert.Equal(t, types.CodeInvalidTransition, types.CodeOf(err))

	paused, err := repo.Pause(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferPaused, paused.Status)

	resumed, err := repo.Resume(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferRunning, resumed.Status)

	done, err := repo.MarkCompleted(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferCompleted, done.Status)
	assert.NotNil(t, done.EndedAt)
	assert.Equal(t, float64(100), done.Progress.Percent)
	assert.Equal(t, done.Progress.TotalBytes, done.Progress.TransferredBytes)
	for _, f := range done.Files {
		assert.True(t, f.Transferred)
	}

	// Completed tasks cannot be cancelled.
	_, err = repo.Cancel(ctx, task.ID)
	assert.Equal(t, types.CodeInvalidTransition, types.CodeOf(err))
}

func TestUpdateProgress(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	task, err := repo.Create(ctx, newTask("dev-1"))
	require.NoError(t, err)
	_, err = repo.Start(ctx, task.ID)
	require.NoError(t, err)

	updated, err := repo.UpdateProgress(ctx, task.ID, types.TransferProgress{
		TransferredBytes: 750,
		BytesPerSecond:   1200,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(750), updated.Progress.TransferredBytes)
	assert.Equal(t, float64(50), updated.Progress.Percent, "percent derived from totals")
	assert.Equal(t, float64(1200), updated.Progress.BytesPerSecond)
	assert.True(t, updated.UpdatedAt.After(task.UpdatedAt) || updated.UpdatedAt.Equal(task.UpdatedAt))
}

func TestMarkFailedRetryAccounting(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	task, err := repo.Create(ctx, newTask("dev-1"))
	require.NoError(t, err)

	failed, err := repo.MarkFailed(ctx, task.ID, "link dropped", true)
	require.NoError(t, err)
	assert.Equal(t, types.TransferFailed, failed.Status)
	assert.Equal(t, "link dropped", failed.FailureReason)
	assert.Equal(t, 1, failed.RetryCount)

	// Non-retryable failures do not consume retry budget.
	retried, err := repo.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferPending, retried.Status)
	failed, err = repo.MarkFailed(ctx, task.ID, "bad file", false)
	require.NoError(t, err)
	assert.Equal(t, 1, failed.RetryCount)
}

func TestRetryCountNeverExceedsMaxRetries(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	task, err := repo.Create(ctx, newTask("dev-1"))
	require.NoError(t, err)

	for i := 0; i < DefaultMaxRetries; i++ {
		_, err = repo.MarkFailed(ctx, task.ID, "flaky", true)
		require.NoError(t, err)
		if i < DefaultMaxRetries-1 {
			_, err = repo.Retry(ctx, task.ID)
			require.NoError(t, err)
		}
	}

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, got.RetryCount)

	// Exhausted tasks are not retryable...
	_, err = repo.Retry(ctx, task.ID)
	assert.Equal(t, types.CodeInvalidTransition, types.CodeOf(err))

	retryable, err := repo.RetryableTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, retryable)

	// ...but they are eligible for cleanup.
	deleted, err := repo.CleanupFailed(ctx, DefaultMaxRetries)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestRetryResetsProgress(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	task, err := repo.Create(ctx, newTask("dev-1"))
	require.NoError(t, err)
	_, err = repo.Start(ctx, task.ID)
	require.NoError(t, err)
	_, err = repo.UpdateProgress(ctx, task.ID, types.TransferProgress{TransferredBytes: 750})
	require.NoError(t, err)
	_, err = repo.MarkFailed(ctx, task.ID, "link dropped", true)
	require.NoError(t, err)

	retried, err := repo.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferPending, retried.Status)
	assert.Equal(t, int64(0), retried.Progress.TransferredBytes)
	assert.Equal(t, float64(0), retried.Progress.Percent)
	assert.Equal(t, int64(1500), retried.Progress.TotalBytes, "total is kept for the next attempt")
	assert.Nil(t, retried.StartedAt)
	assert.Nil(t, retried.EndedAt)
	assert.Empty(t, retried.FailureReason)

	// Retry from a non-failed status is rejected.
	_, err = repo.Retry(ctx, task.ID)
	assert.Equal(t, types.CodeInvalidTransition, types.CodeOf(err))
}

func TestRetryAllFailed(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		task, err := repo.Create(ctx, newTask("dev-1"))
		require.NoError(t, err)
		_, err = repo.MarkFailed(ctx, task.ID, "flaky", true)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	retried, err := repo.RetryAllFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, retried)

	for _, id := range ids {
		got, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.TransferPending, got.Status)
	}
}

func TestCleanupCompletedCutoff(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	backdate := func(id string, days int) {
		task, err := repo.Get(ctx, id)
		require.NoError(t, err)
		old := time.Now().UTC().AddDate(0, 0, -days)
		task.EndedAt = &old
		require.NoError(t, repo.store.Update(ctx, task))
	}

	oldDone, err := repo.Create(ctx, newTask("dev-1"))
	require.NoError(t, err)
	_, err = repo.MarkCompleted(ctx, oldDone.ID)
	require.NoError(t, err)
	backdate(oldDone.ID, 20)

	freshDone, err := repo.Create(ctx, newTask("dev-1"))
	require.NoError(t, err)
	_, err = repo.MarkCompleted(ctx, freshDone.ID)
	require.NoError(t, err)

	oldCancelled, err := repo.Create(ctx, newTask("dev-2"))
	require.NoError(t, err)
	_, err = repo.Cancel(ctx, oldCancelled.ID)
	require.NoError(t, err)
	backdate(oldCancelled.ID, 20)

	pending, err := repo.Create(ctx, newTask("dev-2"))
	require.NoError(t, err)

	deleted, err := repo.CleanupCompleted(ctx, 14)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = repo.Get(ctx, oldDone.ID)
	assert.Equal(t, types.CodeTaskNotFound, types.CodeOf(err))
	_, err = repo.Get(ctx, freshDone.ID)
	assert.NoError(t, err, "tasks newer than the cutoff are untouched")
	_, err = repo.Get(ctx, pending.ID)
	assert.NoError(t, err, "active tasks are untouched")
}

func TestFindByDeviceAndStatus(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.Create(ctx, newTask("dev-1"))
		require.NoError(t, err)
	}
	other, err := repo.Create(ctx, newTask("dev-2"))
	require.NoError(t, err)
	_, err = repo.MarkFailed(ctx, other.ID, "x", false)
	require.NoError(t, err)

	byDevice, err := repo.FindByDevice(ctx, "dev-1", 10)
	require.NoError(t, err)
	assert.Len(t, byDevice, 3)

	pending, err := repo.FindByStatus(ctx, types.TransferPending, 2, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	pendingRest, err := repo.FindByStatus(ctx, types.TransferPending, 2, 2)
	require.NoError(t, err)
	assert.Len(t, pendingRest, 1)
}

func TestStats(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	done, err := repo.Create(ctx, newTask("dev-1"))
	require.NoError(t, err)
	_, err = repo.Start(ctx, done.ID)
	require.NoError(t, err)
	_, err = repo.MarkCompleted(ctx, done.ID)
	require.NoError(t, err)

	failed, err := repo.Create(ctx, newTask("dev-1"))
	require.NoError(t, err)
	_, err = repo.MarkFailed(ctx, failed.ID, "x", false)
	require.NoError(t, err)

	_, err = repo.Create(ctx, newTask("dev-2"))
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[types.TransferCompleted])
	assert.Equal(t, 1, stats.ByStatus[types.TransferFailed])
	assert.Equal(t, 1, stats.ByStatus[types.TransferPending])
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.001)
	assert.Equal(t, int64(1500), stats.TotalBytesTransferred)
}

func TestCreateIgnoresCallerProgress(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	task := newTask("dev-1")
	task.Progress = types.TransferProgress{TotalBytes: 9999, TransferredBytes: 42, Percent: 3}

	created, err := repo.Create(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), created.Progress.TotalBytes)
	assert.Equal(t, int64(0), created.Progress.TransferredBytes)
	assert.Equal(t, float64(0), created.Progress.Percent)
}
