package perspective

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/workcoord/pkg/coordinator"
	"github.com/cuemby/workcoord/pkg/storage"
	"github.com/stretchr/testify/require"
)

var errProjectionFailed = errors.New("projection failed")

func newTestWorker(t *testing.T, projection Projection) (*Worker, *coordinator.Strategy, *storage.MemStore) {
	t.Helper()
	store, err := storage.NewMemStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	strategy := coordinator.New(store, coordinator.Options{InstanceID: "inst-a"})
	w := New(store, strategy, projection, Config{Name: "orders-summary"})
	return w, strategy, store
}

func TestCycleAppliesProjectionAndAdvancesCheckpoint(t *testing.T) {
	applied := 0
	projection := func(ctx context.Context, streamID string, model []byte, event storage.EventRecord) ([]byte, error) {
		applied++
		return []byte(`{"count":1}`), nil
	}
	w, strategy, store := newTestWorker(t, projection)
	ctx := context.Background()

	require.NoError(t, store.PutEvent(ctx, storage.EventRecord{
		EventID: "evt-1", StreamID: "stream-1", EventType: "order.created",
		Data: []byte(`{}`), SequenceNumber: 1, OccurredAt: time.Now().UTC(),
	}))
	strategy.QueuePerspectiveEvent(storage.PerspectiveEventInsert{
		EventWorkID: "evt-1", StreamID: "stream-1", PerspectiveName: "orders-summary",
		EventID: "evt-1", SequenceNumber: 1,
	})

	require.NoError(t, w.cycle(ctx))
	require.Equal(t, 1, applied)

	model, found, err := store.GetPerspectiveModel(ctx, "orders-summary", "stream-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte(`{"count":1}`), model.Data)

	cp, found, err := store.GetPerspectiveCheckpoint(ctx, "stream-1", "orders-summary")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, cp.Status.Has(storage.CheckpointCompleted))
}

func TestCycleRecordsCatchingUpOnProjectionFailure(t *testing.T) {
	w, strategy, store := newTestWorker(t, func(ctx context.Context, streamID string, model []byte, event storage.EventRecord) ([]byte, error) {
		return nil, errProjectionFailed
	})
	ctx := context.Background()

	require.NoError(t, store.PutEvent(ctx, storage.EventRecord{
		EventID: "evt-1", StreamID: "stream-1", EventType: "order.created",
		Data: []byte(`{}`), SequenceNumber: 1, OccurredAt: time.Now().UTC(),
	}))
	strategy.QueuePerspectiveEvent(storage.PerspectiveEventInsert{
		EventWorkID: "evt-1", StreamID: "stream-1", PerspectiveName: "orders-summary",
		EventID: "evt-1", SequenceNumber: 1,
	})

	require.NoError(t, w.cycle(ctx))

	cp, found, err := store.GetPerspectiveCheckpoint(ctx, "stream-1", "orders-summary")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, cp.Status.Has(storage.CheckpointCatchingUp))
}
