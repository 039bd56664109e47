package streams

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/workcoord/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, instanceID string) (*Registry, storage.Store) {
	t.Helper()
	store, err := storage.NewMemStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, instanceID, Config{PartitionCount: 4, RefreshEvery: time.Hour}), store
}

func TestEligibleBeforeFirstRefreshIsFalse(t *testing.T) {
	r, _ := newTestRegistry(t, "inst-a")
	require.False(t, r.Eligible(0))
}

func TestStartComputesRankAmongLiveInstances(t *testing.T) {
	r, store := newTestRegistry(t, "inst-a")
	ctx := context.Background()

	require.NoError(t, store.UpsertServiceInstance(ctx, storage.ServiceInstanceRow{
		InstanceID: "inst-a", LastHeartbeatAt: time.Now().UTC(), Active: true,
	}))

	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	rank, activeCount := r.Rank()
	require.Equal(t, 0, rank)
	require.Equal(t, 1, activeCount)
	require.True(t, r.Eligible(0))
}

func TestPartitionIsStableAndRejectsEmptyStreamID(t *testing.T) {
	r, _ := newTestRegistry(t, "inst-a")

	p1, ok := r.Partition("order-1")
	require.True(t, ok)
	p2, ok := r.Partition("order-1")
	require.True(t, ok)
	require.Equal(t, p1, p2)

	_, ok = r.Partition("")
	require.False(t, ok)
}
