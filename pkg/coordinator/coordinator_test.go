package coordinator

import (
	"context"
	"testing"

	"github.com/cuemby/workcoord/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestStrategy(t *testing.T) (*Strategy, storage.Store) {
	t.Helper()
	store, err := storage.NewMemStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, Options{InstanceID: "inst-a"}), store
}

func TestFlushClearsQueueOnSuccess(t *testing.T) {
	s, _ := newTestStrategy(t)
	s.QueueOutboxMessage(storage.OutboxInsert{MessageID: "m1", Destination: "orders"})
	require.True(t, s.Pending())

	result, err := s.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, result.OutboxWork, 1)
	require.False(t, s.Pending())
}

func TestFlushWithNothingQueuedStillRefreshesHeartbeat(t *testing.T) {
	s, store := newTestStrategy(t)
	_, err := s.Flush(context.Background())
	require.NoError(t, err)

	live, err := store.ListLiveInstances(context.Background(), 60_000_000_000)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "inst-a", live[0].InstanceID)
}
