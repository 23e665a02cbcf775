// Package queue persists transfer tasks and enforces their lifecycle.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/surveylink/surveylink/internal/storage"
	"github.com/surveylink/surveylink/pkg/types"
)

// DefaultMaxRetries bounds automatic retries of a failed transfer.
const DefaultMaxRetries = 3

const tasksTable = "transfer_tasks"

// activeStatuses are the statuses a task can still move out of.
var activeStatuses = []types.TransferStatus{
	types.TransferPending,
	types.TransferRunning,
	types.TransferPaused,
}

// TransferRepository is durable CRUD plus lifecycle transitions over
// transfer tasks, built on the generic entity store.
type TransferRepository struct {
	store  *storage.Store[types.TransferTask]
	logger *slog.Logger
}

// NewTransferRepository opens the task table on db.
func NewTransferRepository(db *storage.DB, logger *slog.Logger) (*TransferRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := storage.NewStore[types.TransferTask](db, tasksTable, logger)
	if err != nil {
		return nil, err
	}
	return &TransferRepository{store: store, logger: logger}, nil
}

// Create persists a new pending task, assigning id and defaults.
func (r *TransferRepository) Create(ctx context.Context, task types.TransferTask) (types.TransferTask, error) {
	task = withDefaults(task)
	if err := r.store.Create(ctx, task); err != nil {
		return types.TransferTask{}, err
	}
	return task, nil
}

// CreateMany persists a batch of pending tasks in one transaction.
func (r *TransferRepository) CreateMany(ctx context.Context, tasks []types.TransferTask) ([]types.TransferTask, error) {
	out := make([]types.TransferTask, len(tasks))
	for i, task := range tasks {
		out[i] = withDefaults(task)
	}
	if err := r.store.CreateMany(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func withDefaults(task types.TransferTask) types.TransferTask {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Kind == "" {
		task.Kind = "download"
	}
	task.Status = types.TransferPending
	if task.MaxRetries <= 0 {
		task.MaxRetries = DefaultMaxRetries
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Progress = types.TransferProgress{}
	for _, f := range task.Files {
		task.Progress.TotalBytes += f.Size
	}
	return task
}

// Get returns one task by id.
func (r *TransferRepository) Get(ctx context.Context, id string) (types.TransferTask, error) {
	task, err := r.store.FindByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return types.TransferTask{}, types.NewError(types.CodeTaskNotFound, "task %s not found", id)
	}
	return task, err
}

// FindByStatus returns tasks with the given status in creation order.
func (r *TransferRepository) FindByStatus(ctx context.Context, status types.TransferStatus, limit, offset int) ([]types.TransferTask, error) {
	return r.store.FindWhere(ctx, "status", string(status), limit, offset)
}

// FindByDevice returns tasks for one device in creation order.
func (r *TransferRepository) FindByDevice(ctx context.Context, deviceID string, limit int) ([]types.TransferTask, error) {
	return r.store.FindWhere(ctx, "device_id", deviceID, limit, 0)
}

// ActiveTasks returns pending, running and paused tasks in creation order.
func (r *TransferRepository) ActiveTasks(ctx context.Context) ([]types.TransferTask, error) {
	var out []types.TransferTask
	for _, status := range activeStatuses {
		tasks, err := r.store.FindWhere(ctx, "status", string(status), 0, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, tasks...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RetryableTasks returns failed tasks that still have retry budget.
func (r *TransferRepository) RetryableTasks(ctx context.Context) ([]types.TransferTask, error) {
	failed, err := r.store.FindWhere(ctx, "status", string(types.TransferFailed), 0, 0)
	if err != nil {
		return nil, err
	}
	out := failed[:0]
	for _, task := range failed {
		if task.RetryCount < task.MaxRetries {
			out = append(out, task)
		}
	}
	return out, nil
}

// mutate loads a task, applies fn and writes it back.
func (r *TransferRepository) mutate(ctx context.Context, id string, fn func(*types.TransferTask) error) (types.TransferTask, error) {
	task, err := r.Get(ctx, id)
	if err != nil {
		return types.TransferTask{}, err
	}
	if err := fn(&task); err != nil {
		return types.TransferTask{}, err
	}
	task.UpdatedAt = time.Now().UTC()
	if err := r.store.Update(ctx, task); err != nil {
		return types.TransferTask{}, err
	}
	return task, nil
}

// Start moves a pending task to running.
func (r *TransferRepository) Start(ctx context.Context, id string) (types.TransferTask, error) {
	return r.mutate(ctx, id, func(t *types.TransferTask) error {
		if t.Status != types.TransferPending {
			return types.NewError(types.CodeInvalidTransition, "cannot start task %s from %s", id, t.Status)
		}
		now := time.Now().UTC()
		t.Status = types.TransferRunning
		t.StartedAt = &now
		return nil
	})
}

// UpdateProgress merges the non-zero progress fields into the task.
func (r *TransferRepository) UpdateProgress(ctx context.Context, id string, p types.TransferProgress) (types.TransferTask, error) {
	return r.mutate(ctx, id, func(t *types.TransferTask) error {
		if p.TransferredBytes > 0 {
			t.Progress.TransferredBytes = p.TransferredBytes
		}
		if p.TotalBytes > 0 {
			t.Progress.TotalBytes = p.TotalBytes
		}
		if p.Percent > 0 {
			t.Progress.Percent = p.Percent
		} else if t.Progress.TotalBytes > 0 {
			t.Progress.Percent = float64(t.Progress.TransferredBytes) / float64(t.Progress.TotalBytes) * 100
		}
		if p.BytesPerSecond > 0 {
			t.Progress.BytesPerSecond = p.BytesPerSecond
		}
		return nil
	})
}

// MarkCompleted finishes a task: status, end time, full progress, and every
// constituent file flagged as transferred. Any active status qualifies, not
// just running: a transfer finished out-of-band over the handover network
// completes straight from pending.
func (r *TransferRepository) MarkCompleted(ctx context.Context, id string) (types.TransferTask, error) {
	return r.mutate(ctx, id, func(t *types.TransferTask) error {
		if !isActive(t.Status) {
			return types.NewError(types.CodeInvalidTransition, "cannot complete task %s from %s", id, t.Status)
		}
		now := time.Now().UTC()
		t.Status = types.TransferCompleted
		t.EndedAt = &now
		t.Progress.Percent = 100
		t.Progress.TransferredBytes = t.Progress.TotalBytes
		for i := range t.Files {
			t.Files[i].Transferred = true
		}
		return nil
	})
}

// MarkFailed fails a task, incrementing the retry counter only for
// retryable failures and never past the retry budget.
func (r *TransferRepository) MarkFailed(ctx context.Context, id, reason string, retryable bool) (types.TransferTask, error) {
	return r.mutate(ctx, id, func(t *types.TransferTask) error {
		if !isActive(t.Status) {
			return types.NewError(types.CodeInvalidTransition, "cannot fail task %s from %s", id, t.Status)
		}
		now := time.Now().UTC()
		t.Status = types.TransferFailed
		t.EndedAt = &now
		t.FailureReason = reason
		if retryable && t.RetryCount < t.MaxRetries {
			t.RetryCount++
		}
		return nil
	})
}

// Cancel cancels an active task.
func (r *TransferRepository) Cancel(ctx context.Context, id string) (types.TransferTask, error) {
	return r.mutate(ctx, id, func(t *types.TransferTask) error {
		if !isActive(t.Status) {
			return types.NewError(types.CodeInvalidTransition, "cannot cancel task %s from %s", id, t.Status)
		}
		now := time.Now().UTC()
		t.Status = types.TransferCancelled
		t.EndedAt = &now
		return nil
	})
}

// Pause suspends a running task.
func (r *TransferRepository) Pause(ctx context.Context, id string) (types.TransferTask, error) {
	return r.mutate(ctx, id, func(t *types.TransferTask) error {
		if t.Status != types.TransferRunning {
			return types.NewError(types.CodeInvalidTransition, "cannot pause task %s from %s", id, t.Status)
		}
		t.Status = types.TransferPaused
		return nil
	})
}

// Resume puts a paused task back to running.
func (r *TransferRepository) Resume(ctx context.Context, id string) (types.TransferTask, error) {
	return r.mutate(ctx, id, func(t *types.TransferTask) error {
		if t.Status != types.TransferPaused {
			return types.NewError(types.CodeInvalidTransition, "cannot resume task %s from %s", id, t.Status)
		}
		t.Status = types.TransferRunning
		return nil
	})
}

// Retry resets a failed task to pending. Only failed tasks with remaining
// retry budget qualify.
func (r *TransferRepository) Retry(ctx context.Context, id string) (types.TransferTask, error) {
	return r.mutate(ctx, id, func(t *types.TransferTask) error {
		if t.Status != types.TransferFailed {
			return types.NewError(types.CodeInvalidTransition, "cannot retry task %s from %s", id, t.Status)
		}
		if t.RetryCount >= t.MaxRetries {
			return types.NewError(types.CodeInvalidTransition, "task %s exhausted its %d retries", id, t.MaxRetries)
		}
		t.Status = types.TransferPending
		t.Progress = types.TransferProgress{TotalBytes: t.Progress.TotalBytes}
		t.StartedAt = nil
		t.EndedAt = nil
		t.FailureReason = ""
		return nil
	})
}

// RetryAllFailed retries every retryable task, counting successes.
// Individual failures are logged and do not abort the batch.
func (r *TransferRepository) RetryAllFailed(ctx context.Context) (int, error) {
	tasks, err := r.RetryableTasks(ctx)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, task := range tasks {
		if _, err := r.Retry(ctx, task.ID); err != nil {
			r.logger.Warn("retry failed", "task", task.ID, "error", err)
			continue
		}
		retried++
	}
	return retried, nil
}

// CleanupCompleted deletes completed and cancelled tasks whose end time is
// older than the cutoff.
func (r *TransferRepository) CleanupCompleted(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	deleted := 0
	for _, status := range []types.TransferStatus{types.TransferCompleted, types.TransferCancelled} {
		tasks, err := r.store.FindWhere(ctx, "status", string(status), 0, 0)
		if err != nil {
			return deleted, err
		}
		for _, task := range tasks {
			if task.EndedAt == nil || !task.EndedAt.Before(cutoff) {
				continue
			}
			if err := r.store.Delete(ctx, task.ID); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

// CleanupFailed deletes failed tasks that have exhausted maxRetries.
func (r *TransferRepository) CleanupFailed(ctx context.Context, maxRetries int) (int, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	tasks, err := r.store.FindWhere(ctx, "status", string(types.TransferFailed), 0, 0)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, task := range tasks {
		if task.RetryCount < maxRetries {
			continue
		}
		if err := r.store.Delete(ctx, task.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Stats are on-demand aggregates over all stored tasks.
type Stats struct {
	Total                 int
	ByStatus              map[types.TransferStatus]int
	SuccessRate           float64
	AvgBytesPerSecond     float64
	TotalBytesTransferred int64
}

// Stats computes aggregate statistics; nothing is cached.
func (r *TransferRepository) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByStatus: make(map[types.TransferStatus]int)}

	all, err := r.store.FindAll(ctx, 1<<30, 0)
	if err != nil {
		return Stats{}, err
	}

	var finished, throughputSamples int
	var throughputSum float64
	for _, task := range all {
		stats.Total++
		stats.ByStatus[task.Status]++
		switch task.Status {
		case types.TransferCompleted:
			finished++
			stats.TotalBytesTransferred += task.Progress.TransferredBytes
			if task.StartedAt != nil && task.EndedAt != nil {
				if d := task.EndedAt.Sub(*task.StartedAt); d > 0 {
					throughputSum += float64(task.Progress.TransferredBytes) / d.Seconds()
					throughputSamples++
				}
			}
		case types.TransferFailed, types.TransferCancelled:
			finished++
		}
	}
	if finished > 0 {
		stats.SuccessRate = float64(stats.ByStatus[types.TransferCompleted]) / float64(finished)
	}
	if throughputSamples > 0 {
		stats.AvgBytesPerSecond = throughputSum / float64(throughputSamples)
	}
	return stats, nil
}

func isActive(status types.TransferStatus) bool {
	for _, s := range activeStatuses {
		if s == status {
			return true
		}
	}
	return false
}
