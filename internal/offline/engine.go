// Package offline reconciles a durable local queue of pending operations
// against the backend, tolerating intermittent connectivity.
package offline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/surveylink/surveylink/internal/storage"
	"github.com/surveylink/surveylink/pkg/types"
)

const (
	entriesTable        = "queue_entries"
	expirySweepInterval = 10 * time.Minute
)

// Deliverer pushes one queue entry to the backend.
type Deliverer interface {
	Deliver(ctx context.Context, entry types.QueueEntry) error
	// Online reports whether the backend is currently reachable. Auto-sync
	// only fires while online.
	Online() bool
}

// DefaultSettings returns the queue configuration used until the caller
// persists its own.
func DefaultSettings() types.QueueSettings {
	return types.QueueSettings{
		Enabled:       true,
		SyncOnConnect: true,
		BatchSize:     10,
		SyncInterval:  5 * time.Minute,
		MaxAge:        7 * 24 * time.Hour,
	}
}

// SettingsPatch is a partial settings update; nil fields keep their value.
type SettingsPatch struct {
	Enabled       *bool
	SyncOnConnect *bool
	BatchSize     *int
	SyncInterval  *time.Duration
	MaxAge        *time.Duration
}

// Engine is the offline sync engine.
type Engine struct {
	store     *storage.Store[types.QueueEntry]
	db        *storage.DB
	deliverer Deliverer
	logger    *slog.Logger

	mu       sync.Mutex
	settings types.QueueSettings
	stats    types.QueueStats
	syncing  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine opens the queue table and loads persisted settings, falling
// back to defaults on first run.
func NewEngine(db *storage.DB, deliverer Deliverer, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := storage.NewStore[types.QueueEntry](db, entriesTable, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:     store,
		db:        db,
		deliverer: deliverer,
		logger:    logger,
		settings:  DefaultSettings(),
	}

	ctx := context.Background()
	var saved types.QueueSettings
	found, err := db.LoadQueueConfig(ctx, &saved)
	if err != nil {
		return nil, types.WrapError(types.CodeStorage, err, "load queue settings")
	}
	if found {
		e.settings = saved
	}

	// Rebuild the queued/failed counters from durable state.
	queued, err := store.FindWhere(ctx, "status", string(types.QueueQueued), 1<<30, 0)
	if err != nil {
		return nil, err
	}
	failed, err := store.FindWhere(ctx, "status", string(types.QueueFailed), 1<<30, 0)
	if err != nil {
		return nil, err
	}
	e.stats.QueuedItems = len(queued)
	e.stats.FailedItems = len(failed)

	return e, nil
}

// Start launches the auto-sync and expiry sweep timers.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(2)
	go e.autoSyncLoop(ctx)
	go e.expiryLoop(ctx)
}

// Close stops the timers and waits for them to exit.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) autoSyncLoop(ctx context.Context) {
	defer e.wg.Done()

	e.mu.Lock()
	interval := e.settings.SyncInterval
	e.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			skip := !e.settings.SyncOnConnect || e.syncing
			interval := e.settings.SyncInterval
			e.mu.Unlock()
			ticker.Reset(interval)
			if skip || !e.deliverer.Online() {
				continue
			}
			if err := e.SyncQueue(ctx); err != nil && !types.IsCode(err, types.CodeAlreadySyncing) {
				e.logger.Warn("auto sync failed", "error", err)
			}
		}
	}
}

func (e *Engine) expiryLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.SweepExpired(ctx); err != nil {
				e.logger.Warn("expiry sweep failed", "error", err)
			}
		}
	}
}

// AddToQueue wraps payload as a queue entry and persists it.
func (e *Engine) AddToQueue(ctx context.Context, kind string, payload any) (types.QueueEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return types.QueueEntry{}, types.WrapError(types.CodeStorage, err, "marshal queue payload")
	}
	entry := types.QueueEntry{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   data,
		Status:    types.QueueQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.Create(ctx, entry); err != nil {
		return types.QueueEntry{}, err
	}

	e.mu.Lock()
	e.stats.QueuedItems++
	e.mu.Unlock()
	return entry, nil
}

// RemoveFromQueue deletes one entry explicitly.
func (e *Engine) RemoveFromQueue(ctx context.Context, id string) error {
	entry, err := e.store.FindByID(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}

	e.mu.Lock()
	switch entry.Status {
	case types.QueueQueued:
		e.stats.QueuedItems--
	case types.QueueFailed:
		e.stats.FailedItems--
	}
	e.mu.Unlock()
	return nil
}

// Clear drops every entry and resets the backlog counters.
func (e *Engine) Clear(ctx context.Context) error {
	entries, err := e.store.FindAll(ctx, 1<<30, 0)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := e.store.Delete(ctx, entry.ID); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.stats.QueuedItems = 0
	e.stats.FailedItems = 0
	e.mu.Unlock()
	return nil
}

// Entries returns the durable queue contents in enqueue order.
func (e *Engine) Entries(ctx context.Context) ([]types.QueueEntry, error) {
	return e.store.FindAll(ctx, 1<<30, 0)
}

// SyncQueue attempts delivery of every queued entry in fixed-size batches,
// one batch at a time, one entry at a time. Each attempted entry either
// leaves the queue (success) or is marked failed with its error recorded;
// no entry is left unchanged. The syncing flag is released even if a batch
// aborts unexpectedly.
func (e *Engine) SyncQueue(ctx context.Context) error {
	e.mu.Lock()
	if !e.settings.Enabled {
		e.mu.Unlock()
		return nil
	}
	if e.syncing {
		e.mu.Unlock()
		return types.NewError(types.CodeAlreadySyncing, "sync already in progress")
	}
	e.syncing = true
	batchSize := e.settings.BatchSize
	interval := e.settings.SyncInterval
	e.mu.Unlock()

	defer func() {
		now := time.Now().UTC()
		next := now.Add(interval)
		e.mu.Lock()
		e.stats.LastSyncAt = &now
		e.stats.NextSyncAt = &next
		e.syncing = false
		e.mu.Unlock()
	}()

	if batchSize <= 0 {
		batchSize = DefaultSettings().BatchSize
	}

	entries, err := e.store.FindWhere(ctx, "status", string(types.QueueQueued), 1<<30, 0)
	if err != nil {
		return err
	}

	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		for _, entry := range entries[start:end] {
			if err := ctx.Err(); err != nil {
				return types.WrapError(types.CodeSyncFailed, err, "sync cancelled")
			}
			e.syncEntry(ctx, entry)
		}
	}
	return nil
}

func (e *Engine) syncEntry(ctx context.Context, entry types.QueueEntry) {
	now := time.Now().UTC()
	entry.SyncAttempts++
	entry.LastSyncAttempt = &now

	if err := e.deliverer.Deliver(ctx, entry); err != nil {
		entry.Status = types.QueueFailed
		entry.SyncError = err.Error()
		if uerr := e.store.Update(ctx, entry); uerr != nil {
			e.logger.Error("failed to record sync failure", "entry", entry.ID, "error", uerr)
		}
		e.mu.Lock()
		e.stats.QueuedItems--
		e.stats.FailedItems++
		e.mu.Unlock()
		e.logger.Warn("queue entry delivery failed", "entry", entry.ID, "attempts", entry.SyncAttempts, "error", err)
		return
	}

	if err := e.store.Delete(ctx, entry.ID); err != nil {
		e.logger.Error("failed to remove delivered entry", "entry", entry.ID, "error", err)
		return
	}
	e.mu.Lock()
	e.stats.QueuedItems--
	e.stats.ProcessedItems++
	e.mu.Unlock()
}

// SweepExpired removes entries older than MaxAge regardless of status.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	e.mu.Lock()
	maxAge := e.settings.MaxAge
	e.mu.Unlock()
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	entries, err := e.store.FindAll(ctx, 1<<30, 0)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if !entry.CreatedAt.Before(cutoff) {
			continue
		}
		if err := e.store.Delete(ctx, entry.ID); err != nil {
			return removed, err
		}
		e.mu.Lock()
		switch entry.Status {
		case types.QueueQueued:
			e.stats.QueuedItems--
		case types.QueueFailed:
			e.stats.FailedItems--
		}
		e.mu.Unlock()
		removed++
	}
	if removed > 0 {
		e.logger.Info("expired queue entries removed", "count", removed)
	}
	return removed, nil
}

// UpdateSettings merges patch into the settings and persists them.
func (e *Engine) UpdateSettings(ctx context.Context, patch SettingsPatch) (types.QueueSettings, error) {
	e.mu.Lock()
	s := e.settings
	if patch.Enabled != nil {
		s.Enabled = *patch.Enabled
	}
	if patch.SyncOnConnect != nil {
		s.SyncOnConnect = *patch.SyncOnConnect
	}
	if patch.BatchSize != nil && *patch.BatchSize > 0 {
		s.BatchSize = *patch.BatchSize
	}
	if patch.SyncInterval != nil && *patch.SyncInterval > 0 {
		s.SyncInterval = *patch.SyncInterval
	}
	if patch.MaxAge != nil && *patch.MaxAge > 0 {
		s.MaxAge = *patch.MaxAge
	}
	e.settings = s
	e.mu.Unlock()

	if err := e.db.SaveQueueConfig(ctx, s); err != nil {
		return s, types.WrapError(types.CodeStorage, err, "persist queue settings")
	}
	return s, nil
}

// Settings returns a copy of the current settings.
func (e *Engine) Settings() types.QueueSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Stats returns a copy of the queue statistics.
func (e *Engine) Stats() types.QueueStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
