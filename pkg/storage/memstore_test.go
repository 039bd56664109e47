package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *MemStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewMemStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPingSucceedsOnOpenStore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}

func TestProcessWorkBatchClaimsNewlyInsertedRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	result, err := s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID: "inst-a",
		OutboxInserts: []OutboxInsert{
			{MessageID: "msg-1", Destination: "orders", MessageType: "OrderPlaced", StreamID: "order-1"},
		},
		LeaseSeconds:       30,
		PartitionCount:     4,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)
	require.Len(t, result.OutboxWork, 1)
	require.Equal(t, ClaimNewlyStored, result.OutboxWork[0].ClaimFlag)
	require.Equal(t, "inst-a", result.OutboxWork[0].InstanceID)

	count, err := s.ActiveStreamCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestProcessWorkBatchInsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := BatchRequest{
		InstanceID: "inst-a",
		OutboxInserts: []OutboxInsert{
			{MessageID: "msg-1", Destination: "orders", MessageType: "OrderPlaced", StreamID: "order-1"},
		},
		LeaseSeconds:       30,
		PartitionCount:     4,
		StaleCutoffSeconds: 60,
	}

	_, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)

	// Same message id submitted again must not duplicate the row or
	// re-tag it NewlyStored a second time.
	result, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
	for _, row := range result.OutboxWork {
		require.NotEqual(t, "msg-1", row.MessageID, "already-stored message must not be re-inserted")
	}
}

func TestProcessWorkBatchStickyStreamOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID: "inst-a",
		OutboxInserts: []OutboxInsert{
			{MessageID: "msg-1", Destination: "orders", MessageType: "OrderPlaced", StreamID: "order-1"},
		},
		LeaseSeconds:       30,
		PartitionCount:     4,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)

	// A second instance inserting into the same stream before the first
	// lease expires must not steal ownership of the existing stream row.
	_, err = s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID: "inst-b",
		OutboxInserts: []OutboxInsert{
			{MessageID: "msg-2", Destination: "orders", MessageType: "OrderShipped", StreamID: "order-1"},
		},
		LeaseSeconds:       30,
		PartitionCount:     4,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)

	// Neither instance can reclaim the other's still-active lease via the
	// orphan-claim scan: flushing inst-b again should not surface msg-1.
	result, err := s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID:         "inst-b",
		LeaseSeconds:       30,
		PartitionCount:     4,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)
	for _, row := range result.OutboxWork {
		require.NotEqual(t, "msg-1", row.MessageID)
	}
}

func TestProcessWorkBatchReclaimsExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID: "inst-a",
		OutboxInserts: []OutboxInsert{
			{MessageID: "msg-1", Destination: "orders", MessageType: "OrderPlaced", StreamID: "order-1"},
		},
		LeaseSeconds:       0, // lease already expired by the time we re-flush
		PartitionCount:     1,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	// inst-a's heartbeat stops. While it is still live it holds rank 0 of
	// 2 and partition 0 is its, not inst-b's.
	require.NoError(t, s.UpsertServiceInstance(ctx, ServiceInstanceRow{
		InstanceID:      "inst-a",
		LastHeartbeatAt: time.Now().UTC().Add(-time.Hour),
		Active:          true,
	}))

	result, err := s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID:         "inst-b",
		LeaseSeconds:       30,
		PartitionCount:     1,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)
	require.Len(t, result.OutboxWork, 1)
	require.Equal(t, ClaimReclaimed, result.OutboxWork[0].ClaimFlag)
	require.Equal(t, "inst-b", result.OutboxWork[0].InstanceID)
}

func TestProcessWorkBatchInheritsOwnUnfinishedWork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID: "inst-a",
		OutboxInserts: []OutboxInsert{
			{MessageID: "msg-1", Destination: "orders", MessageType: "OrderPlaced", StreamID: "order-1"},
		},
		LeaseSeconds:       30,
		PartitionCount:     1,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)

	result, err := s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID:         "inst-a",
		LeaseSeconds:       30,
		PartitionCount:     1,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)
	require.Len(t, result.OutboxWork, 1)
	require.Equal(t, ClaimInherited, result.OutboxWork[0].ClaimFlag)
}

func TestProcessWorkBatchCompletionDeletesPublishedRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertResult, err := s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID: "inst-a",
		OutboxInserts: []OutboxInsert{
			{MessageID: "msg-1", Destination: "orders", MessageType: "OrderPlaced"},
		},
		LeaseSeconds:       30,
		PartitionCount:     1,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)
	require.Len(t, insertResult.OutboxWork, 1)

	_, err = s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID: "inst-a",
		OutboxCompletions: []OutboxCompletion{
			{MessageID: "msg-1", CompletedStatus: StatusPublished},
		},
		LeaseSeconds:       30,
		PartitionCount:     1,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)

	counts, err := s.CountByStatus(ctx, "outbox")
	require.NoError(t, err)
	require.Empty(t, counts, "published row should have been removed")
}

func TestProcessWorkBatchFailureSchedulesBackoffAndReleasesLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID: "inst-a",
		OutboxInserts: []OutboxInsert{
			{MessageID: "msg-1", Destination: "orders", MessageType: "OrderPlaced"},
		},
		LeaseSeconds:       30,
		PartitionCount:     1,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)

	before := time.Now().UTC()
	_, err = s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID: "inst-a",
		OutboxFailures: []OutboxFailure{
			{MessageID: "msg-1", FailureReason: FailureTransportException, ConsumesAttempt: true, Error: "connection refused"},
		},
		LeaseSeconds:       30,
		PartitionCount:     1,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)

	// Lease released on failure: a different instance can claim it immediately
	// without waiting for lease expiry, since InstanceID/LeaseExpiry are cleared.
	result, err := s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID:         "inst-b",
		LeaseSeconds:       30,
		PartitionCount:     1,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)
	require.Len(t, result.OutboxWork, 1)
	require.True(t, result.OutboxWork[0].ScheduledFor.After(before))
}

func TestRegisterMessageAssociationsReconciles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserted, updated, deleted, err := s.RegisterMessageAssociations(ctx, []MessageAssociation{
		{MessageType: "OrderPlaced", HandlerName: "billing"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.Equal(t, 0, updated)
	require.Equal(t, 0, deleted)

	inserted, updated, deleted, err = s.RegisterMessageAssociations(ctx, []MessageAssociation{
		{MessageType: "OrderShipped", HandlerName: "billing"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.Equal(t, 0, updated)
	require.Equal(t, 1, deleted, "OrderPlaced/billing dropped from the declared set must be removed")
}

func TestCompletePerspectiveCheckpointWorkMarksEventsProcessed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID: "inst-a",
		PerspectiveInserts: []PerspectiveEventInsert{
			{EventWorkID: "ew-1", StreamID: "order-1", PerspectiveName: "order-summary", EventID: "evt-1", SequenceNumber: 1},
		},
		LeaseSeconds:       30,
		PartitionCount:     1,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)

	err = s.CompletePerspectiveCheckpointWork(ctx, PerspectiveCompletion{
		StreamID:        "order-1",
		PerspectiveName: "order-summary",
		LastEventID:     "evt-1",
		Status:          CheckpointCompleted,
	})
	require.NoError(t, err)

	cp, ok, err := s.GetPerspectiveCheckpoint(ctx, "order-1", "order-summary")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, cp.Status.Has(CheckpointCompleted))
	require.Equal(t, "evt-1", cp.LastEventID)

	// A subsequent flush must not hand the now-processed event back out.
	result, err := s.ProcessWorkBatch(ctx, BatchRequest{
		InstanceID:         "inst-b",
		LeaseSeconds:       30,
		PartitionCount:     1,
		StaleCutoffSeconds: 60,
	})
	require.NoError(t, err)
	require.Empty(t, result.PerspectiveWork)
}

func TestNextScheduledForCapsAtMaxBackoff(t *testing.T) {
	now := time.Now().UTC()
	short := NextScheduledFor(now, 0).Sub(now)
	require.Equal(t, 30*time.Second, short)

	long := NextScheduledFor(now, 20).Sub(now)
	require.Equal(t, maxBackoff, long)
}

func TestRankAmongOrdersByInstanceID(t *testing.T) {
	live := []ServiceInstanceRow{{InstanceID: "c"}, {InstanceID: "a"}, {InstanceID: "b"}}
	rank, count := RankAmong(live, "b")
	require.Equal(t, 1, rank)
	require.Equal(t, 3, count)

	rank, _ = RankAmong(live, "missing")
	require.Equal(t, -1, rank)
}
