package instance

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/workcoord/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestInstance(t *testing.T, instanceID string) (*Instance, storage.Store) {
	t.Helper()
	store, err := storage.NewMemStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	in := New(store, Config{ServiceName: "workcoord-test", InstanceID: instanceID, HeartbeatEvery: time.Hour})
	return in, store
}

func TestStartRegistersServiceInstance(t *testing.T) {
	in, store := newTestInstance(t, "inst-a")
	ctx := context.Background()

	require.NoError(t, in.Start(ctx))
	defer in.Stop()

	live, err := store.ListLiveInstances(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "inst-a", live[0].InstanceID)
}

func TestGeneratesInstanceIDWhenOmitted(t *testing.T) {
	store, err := storage.NewMemStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	in := New(store, Config{ServiceName: "workcoord-test"})
	require.NotEmpty(t, in.ID())
}

func TestRankReflectsLiveInstances(t *testing.T) {
	in, _ := newTestInstance(t, "inst-a")
	ctx := context.Background()
	require.NoError(t, in.Start(ctx))
	defer in.Stop()

	rank, activeCount, err := in.Rank(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, rank)
	require.Equal(t, 1, activeCount)
}

func TestBeatPreservesHostNameAndProcessID(t *testing.T) {
	in, store := newTestInstance(t, "inst-a")
	ctx := context.Background()
	require.NoError(t, in.Start(ctx))
	defer in.Stop()

	require.NoError(t, in.beat(ctx))

	live, err := store.ListLiveInstances(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, in.hostname, live[0].HostName)
	require.Equal(t, in.pid, live[0].ProcessID)
	require.NotZero(t, live[0].ProcessID)
}

func TestHealthyFalseBeforeFirstBeat(t *testing.T) {
	in, _ := newTestInstance(t, "inst-a")
	require.False(t, in.Healthy())
}

func TestHealthyTrueAfterStart(t *testing.T) {
	in, _ := newTestInstance(t, "inst-a")
	ctx := context.Background()
	require.NoError(t, in.Start(ctx))
	defer in.Stop()

	require.True(t, in.Healthy())
}

func TestBeatMarksStaleInstancesInactive(t *testing.T) {
	in, store := newTestInstance(t, "inst-a")
	ctx := context.Background()
	require.NoError(t, in.Start(ctx))
	defer in.Stop()

	require.NoError(t, store.UpsertServiceInstance(ctx, storage.ServiceInstanceRow{
		InstanceID:      "inst-stale",
		LastHeartbeatAt: time.Now().UTC().Add(-time.Hour),
		Active:          true,
	}))

	in.cfg.StaleCutoff = time.Minute
	require.NoError(t, in.beat(ctx))

	live, err := store.ListLiveInstances(ctx, time.Minute)
	require.NoError(t, err)
	for _, row := range live {
		require.NotEqual(t, "inst-stale", row.InstanceID)
	}
}
