package localstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/clocksync"
	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"github.com/MarcoPoloResearchLab/mealgate/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewClockStore(dir, nil)
	require.NoError(t, err)

	_, ok, err := store.LoadOffset(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	cached := clocksync.CachedOffset{OffsetMillis: -1250, TimestampMillis: 1714550400000}
	require.NoError(t, store.SaveOffset(context.Background(), cached))

	loaded, ok, err := store.LoadOffset(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cached, loaded)

	info, err := os.Stat(filepath.Join(dir, ClockFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(stateFileMode), info.Mode().Perm())
}

func TestClockStoreDiscardsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ClockFileName), []byte("offset_millis = [not toml"), 0o600))

	store, err := NewClockStore(dir, nil)
	require.NoError(t, err)

	_, ok, err := store.LoadOffset(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClockStoreDiscardsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	content := "version = 99\noffset_millis = 5\ntimestamp_millis = 1714550400000\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ClockFileName), []byte(content), 0o600))

	store, err := NewClockStore(dir, nil)
	require.NoError(t, err)

	_, ok, err := store.LoadOffset(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueStoreRoundTripPreservesOrderAndAttempts(t *testing.T) {
	dir := t.TempDir()
	store, err := NewQueueStore(dir, nil)
	require.NoError(t, err)

	enqueuedAt := time.Date(2024, time.May, 1, 1, 30, 0, 0, time.UTC)
	date := cutoff.NewDate(2024, time.May, 2)
	actions := []queue.QueuedAction{
		{ID: "a-1", Payload: queue.AddMeal{MemberID: "m-1", Date: date, Period: cutoff.PeriodMorning, Quantity: 2}, EnqueuedAt: enqueuedAt, AttemptCount: 1},
		{ID: "a-2", Payload: queue.RemoveMeal{MemberID: "m-1", Date: date, Period: cutoff.PeriodNight}, EnqueuedAt: enqueuedAt},
		{ID: "a-3", Payload: queue.UpdateQuantity{MemberID: "m-1", Date: date, Period: cutoff.PeriodNight, Quantity: 3}, EnqueuedAt: enqueuedAt},
		{ID: "a-4", Payload: queue.SendMessage{MemberID: "m-1", Body: "running late"}, EnqueuedAt: enqueuedAt, AttemptCount: 2},
		{ID: "a-5", Payload: queue.UpdateDetails{MemberID: "m-1", Date: date, Details: "guest for dinner"}, EnqueuedAt: enqueuedAt},
	}
	require.NoError(t, store.Save(context.Background(), actions))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, len(actions))
	for index := range actions {
		assert.Equal(t, actions[index].ID, loaded[index].ID)
		assert.Equal(t, actions[index].Payload, loaded[index].Payload)
		assert.Equal(t, actions[index].AttemptCount, loaded[index].AttemptCount)
		assert.True(t, actions[index].EnqueuedAt.Equal(loaded[index].EnqueuedAt))
	}

	require.NoError(t, store.Save(context.Background(), actions[3:]))
	loaded, err = store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "a-4", loaded[0].ID)

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestQueueStoreSkipsUndecodableEntries(t *testing.T) {
	dir := t.TempDir()
	content := `version = 1

[[actions]]
id = "a-1"
kind = "teleport_meal"
enqueued_at = 2024-05-01T01:30:00Z
attempt_count = 0

[actions.payload]
member_id = "m-1"
date = "2024-05-02"
period = "morning"

[[actions]]
id = "a-2"
kind = "send_message"
enqueued_at = 2024-05-01T01:31:00Z
attempt_count = 1

[actions.payload]
member_id = "m-1"
body = "hello"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, QueueFileName), []byte(content), 0o600))

	store, err := NewQueueStore(dir, nil)
	require.NoError(t, err)

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "a-2", loaded[0].ID)
	assert.Equal(t, queue.SendMessage{MemberID: "m-1", Body: "hello"}, loaded[0].Payload)
	assert.Equal(t, 1, loaded[0].AttemptCount)
}

func TestQueueStoreDiscardsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, QueueFileName), []byte("[[actions]\nbroken"), 0o600))

	store, err := NewQueueStore(dir, nil)
	require.NoError(t, err)

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded)

	require.NoError(t, store.Save(context.Background(), nil))
	loaded, err = store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestQueueResumesFromDiskAfterRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewQueueStore(dir, nil)
	require.NoError(t, err)

	first, err := queue.New(queue.Config{Executor: noopExecutor{}, Store: store})
	require.NoError(t, err)
	_, err = first.Enqueue(context.Background(), queue.SendMessage{MemberID: "m-1", Body: "queued offline"})
	require.NoError(t, err)

	reopened, err := NewQueueStore(dir, nil)
	require.NoError(t, err)
	pending, err := reopened.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, queue.SendMessage{MemberID: "m-1", Body: "queued offline"}, pending[0].Payload)
}

type noopExecutor struct{}

func (noopExecutor) AddMeal(context.Context, queue.AddMeal) error               { return nil }
func (noopExecutor) RemoveMeal(context.Context, queue.RemoveMeal) error         { return nil }
func (noopExecutor) UpdateQuantity(context.Context, queue.UpdateQuantity) error { return nil }
func (noopExecutor) SendMessage(context.Context, queue.SendMessage) error       { return nil }
func (noopExecutor) UpdateDetails(context.Context, queue.UpdateDetails) error   { return nil }
