package offline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surveylink/surveylink/internal/storage"
	"github.com/surveylink/surveylink/pkg/types"
)

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []string
	failWith  error
	failIDs   map[string]bool
	online    bool
	block     chan struct{}
}

func (f *fakeDeliverer) Deliver(ctx context.Context, entry types.QueueEntry) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil && (f.failIDs == nil || f.failIDs[entry.ID]) {
		return f.failWith
	}
	f.delivered = append(f.delivered, entry.ID)
	return nil
}

func (f *fakeDeliverer) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeDeliverer) setOnline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = v
}

func (f *fakeDeliverer) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func setupEngine(t *testing.T) (*Engine, *fakeDeliverer) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fd := &fakeDeliverer{online: true}
	engine, err := NewEngine(db, fd, nil)
	require.NoError(t, err)
	return engine, fd
}

type payload struct {
	TaskID string `json:"task_id"`
}

func TestAddToQueueUpdatesStats(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	entry, err := engine.AddToQueue(ctx, "transfer-result", payload{TaskID: "t1"})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, types.QueueQueued, entry.Status)
	assert.Equal(t, 0, entry.SyncAttempts)

	assert.Equal(t, 1, engine.Stats().QueuedItems)
}

func TestSyncQueueDeliversAndRemoves(t *testing.T) {
	engine, fd := setupEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.AddToQueue(ctx, "transfer-result", payload{TaskID: "t"})
		require.NoError(t, err)
	}

	require.NoError(t, engine.SyncQueue(ctx))

	entries, err := engine.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	stats := engine.Stats()
	assert.Equal(t, 0, stats.QueuedItems)
	assert.Equal(t, 3, stats.ProcessedItems)
	assert.NotNil(t, stats.LastSyncAt)
	assert.NotNil(t, stats.NextSyncAt)
	assert.Len(t, fd.delivered, 3)
}

func TestSyncQueueFailureBookkeeping(t *testing.T) {
	engine, fd := setupEngine(t)
	ctx := context.Background()
	fd.failWith = errors.New("backend unreachable")

	entry, err := engine.AddToQueue(ctx, "transfer-result", payload{TaskID: "t1"})
	require.NoError(t, err)

	require.NoError(t, engine.SyncQueue(ctx))

	entries, err := engine.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, types.QueueFailed, got.Status)
	assert.Equal(t, 1, got.SyncAttempts)
	assert.Equal(t, "backend unreachable", got.SyncError)
	assert.NotNil(t, got.LastSyncAttempt)

	stats := engine.Stats()
	assert.Equal(t, 0, stats.QueuedItems)
	assert.Equal(t, 1, stats.FailedItems)
}

func TestSyncQueueEveryEntryResolved(t *testing.T) {
	engine, fd := setupEngine(t)
	ctx := context.Background()

	bad, err := engine.AddToQueue(ctx, "k", payload{TaskID: "bad"})
	require.NoError(t, err)
	_, err = engine.AddToQueue(ctx, "k", payload{TaskID: "good"})
	require.NoError(t, err)

	fd.failWith = errors.New("rejected")
	fd.failIDs = map[string]bool{bad.ID: true}

	require.NoError(t, engine.SyncQueue(ctx))

	// Every previously queued entry is either gone or failed with exactly
	// one more attempt; none are left queued.
	entries, err := engine.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, bad.ID, entries[0].ID)
	assert.Equal(t, 1, entries[0].SyncAttempts)
	assert.Equal(t, types.QueueFailed, entries[0].Status)
}

func TestSyncQueueAlreadySyncing(t *testing.T) {
	engine, fd := setupEngine(t)
	ctx := context.Background()
	fd.block = make(chan struct{})

	_, err := engine.AddToQueue(ctx, "k", payload{TaskID: "t1"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- engine.SyncQueue(ctx) }()

	// Wait for the first sync to take the flag.
	require.Eventually(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return engine.syncing
	}, time.Second, 5*time.Millisecond)

	err = engine.SyncQueue(ctx)
	require.Error(t, err)
	assert.Equal(t, types.CodeAlreadySyncing, types.CodeOf(err))

	close(fd.block)
	require.NoError(t, <-done)

	// The flag is released afterwards.
	require.NoError(t, engine.SyncQueue(ctx))
}

func TestSyncQueueDisabledIsNoop(t *testing.T) {
	engine, fd := setupEngine(t)
	ctx := context.Background()

	enabled := false
	_, err := engine.UpdateSettings(ctx, SettingsPatch{Enabled: &enabled})
	require.NoError(t, err)

	_, err = engine.AddToQueue(ctx, "k", payload{TaskID: "t1"})
	require.NoError(t, err)

	require.NoError(t, engine.SyncQueue(ctx))
	assert.Empty(t, fd.delivered)
	assert.Equal(t, 1, engine.Stats().QueuedItems)
}

func TestSyncQueueBatchOrder(t *testing.T) {
	engine, fd := setupEngine(t)
	ctx := context.Background()

	size := 2
	_, err := engine.UpdateSettings(ctx, SettingsPatch{BatchSize: &size})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		entry, err := engine.AddToQueue(ctx, "k", payload{TaskID: "t"})
		require.NoError(t, err)
		ids = append(ids, entry.ID)
	}

	require.NoError(t, engine.SyncQueue(ctx))
	assert.Equal(t, ids, fd.delivered, "entries delivered strictly in enqueue order")
}

func TestRemoveFromQueueAndClear(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	a, err := engine.AddToQueue(ctx, "k", payload{TaskID: "a"})
	require.NoError(t, err)
	_, err = engine.AddToQueue(ctx, "k", payload{TaskID: "b"})
	require.NoError(t, err)

	require.NoError(t, engine.RemoveFromQueue(ctx, a.ID))
	assert.Equal(t, 1, engine.Stats().QueuedItems)

	// Removing a missing entry is a no-op.
	require.NoError(t, engine.RemoveFromQueue(ctx, "ghost"))

	require.NoError(t, engine.Clear(ctx))
	assert.Equal(t, 0, engine.Stats().QueuedItems)
	entries, err := engine.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepExpired(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	old, err := engine.AddToQueue(ctx, "k", payload{TaskID: "old"})
	require.NoError(t, err)
	fresh, err := engine.AddToQueue(ctx, "k", payload{TaskID: "fresh"})
	require.NoError(t, err)

	// Backdate one entry beyond MaxAge.
	old.CreatedAt = time.Now().UTC().Add(-8 * 24 * time.Hour)
	require.NoError(t, engine.store.Update(ctx, old))

	removed, err := engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := engine.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fresh.ID, entries[0].ID)
	assert.Equal(t, 1, engine.Stats().QueuedItems)
}

func TestSettingsPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "offline.db")

	db, err := storage.Open(dbPath)
	require.NoError(t, err)

	fd := &fakeDeliverer{online: true}
	engine, err := NewEngine(db, fd, nil)
	require.NoError(t, err)

	size := 25
	interval := time.Minute
	_, err = engine.UpdateSettings(context.Background(), SettingsPatch{BatchSize: &size, SyncInterval: &interval})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := storage.Open(dbPath)
	require.NoError(t, err)
	defer db2.Close()

	engine2, err := NewEngine(db2, fd, nil)
	require.NoError(t, err)
	assert.Equal(t, 25, engine2.Settings().BatchSize)
	assert.Equal(t, time.Minute, engine2.Settings().SyncInterval)
	assert.True(t, engine2.Settings().Enabled, "unpatched fields keep defaults")
}

func TestQueuedBacklogSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "offline.db")

	db, err := storage.Open(dbPath)
	require.NoError(t, err)
	fd := &fakeDeliverer{online: true}
	engine, err := NewEngine(db, fd, nil)
	require.NoError(t, err)

	_, err = engine.AddToQueue(context.Background(), "k", payload{TaskID: "t1"})
	require.NoError(t, err)
	_, err = engine.AddToQueue(context.Background(), "k", payload{TaskID: "t2"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := storage.Open(dbPath)
	require.NoError(t, err)
	defer db2.Close()

	engine2, err := NewEngine(db2, fd, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, engine2.Stats().QueuedItems, "counters rebuilt from durable state")

	require.NoError(t, engine2.SyncQueue(context.Background()))
	assert.Equal(t, 2, engine2.Stats().ProcessedItems)
}

func TestAutoSyncWaitsForOnline(t *testing.T) {
	engine, fd := setupEngine(t)
	ctx := context.Background()

	fd.setOnline(false)
	_, err := engine.AddToQueue(ctx, "transfer-result", payload{TaskID: "t1"})
	require.NoError(t, err)

	interval := 20 * time.Millisecond
	_, err = engine.UpdateSettings(ctx, SettingsPatch{SyncInterval: &interval})
	require.NoError(t, err)

	engine.Start()
	defer engine.Close()

	// Several ticks pass with the backend unreachable; nothing moves.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, fd.deliveredCount())
	entries, err := engine.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	fd.setOnline(true)
	require.Eventually(t, func() bool {
		return fd.deliveredCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAutoSyncHonorsSyncOnConnect(t *testing.T) {
	engine, fd := setupEngine(t)
	ctx := context.Background()

	_, err := engine.AddToQueue(ctx, "transfer-result", payload{TaskID: "t1"})
	require.NoError(t, err)

	interval := 20 * time.Millisecond
	off := false
	_, err = engine.UpdateSettings(ctx, SettingsPatch{SyncInterval: &interval, SyncOnConnect: &off})
	require.NoError(t, err)

	engine.Start()
	defer engine.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, fd.deliveredCount(), "auto sync stays off while sync-on-connect is disabled")

	on := true
	_, err = engine.UpdateSettings(ctx, SettingsPatch{SyncOnConnect: &on})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return fd.deliveredCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
