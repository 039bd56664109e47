package storage

import (
	"context"
	"time"
)

// EventRecord is a read-only event lookup result used by the perspective
// runner to load the event a claimed PerspectiveEventRow refers to.
type EventRecord struct {
	EventID        string
	StreamID       string
	EventType      string
	Data           []byte
	SequenceNumber int64
	OccurredAt     time.Time
}

// PerspectiveModelRow is the current read-model row for one
// (perspective_name, stream_id) pair.
type PerspectiveModelRow struct {
	PerspectiveName string
	StreamID        string
	Version         int64
	Data            []byte
	UpdatedAt       time.Time
}

// Store defines the coordination-database contract described in
// SPEC_FULL.md §6.1. Two implementations satisfy it: a pgx-backed
// Postgres store for production, and a bbolt-backed store used for local
// development and the package test suites.
type Store interface {
	// ProcessWorkBatch is the single atomic round trip backing
	// Strategy.Flush: it upserts the caller's heartbeat, applies
	// completions/failures scoped to rows it owns, inserts new rows with
	// an immediate lease, claims orphaned work in partitions the caller
	// is entitled to, and returns everything newly claimed.
	ProcessWorkBatch(ctx context.Context, req BatchRequest) (BatchResult, error)

	// CalculateInstanceRank returns this instance's zero-based rank among
	// live instances (ordered by instance id) and the live instance
	// count, used for partition-based claim eligibility.
	CalculateInstanceRank(ctx context.Context, instanceID string, staleCutoff time.Duration) (rank int, activeCount int, err error)

	// UpsertServiceInstance registers or refreshes a service instance row.
	UpsertServiceInstance(ctx context.Context, row ServiceInstanceRow) error

	// ListLiveInstances returns instances whose last heartbeat is within
	// staleCutoff of now.
	ListLiveInstances(ctx context.Context, staleCutoff time.Duration) ([]ServiceInstanceRow, error)

	// MarkStaleInstancesInactive flips Active=false for any instance
	// whose heartbeat has not been seen within staleCutoff.
	MarkStaleInstancesInactive(ctx context.Context, staleCutoff time.Duration) (int, error)

	// GetEvent loads an event by id for perspective projection.
	GetEvent(ctx context.Context, eventID string) (EventRecord, error)

	// GetPerspectiveModel loads the current read model for a
	// (perspective, stream) pair, or ok=false if none exists yet.
	GetPerspectiveModel(ctx context.Context, perspectiveName, streamID string) (row PerspectiveModelRow, ok bool, err error)

	// UpsertPerspectiveModel stores an updated read model.
	UpsertPerspectiveModel(ctx context.Context, row PerspectiveModelRow) error

	// GetPerspectiveCheckpoint loads the checkpoint for a
	// (stream, perspective) pair, or ok=false if none exists yet.
	GetPerspectiveCheckpoint(ctx context.Context, streamID, perspectiveName string) (row PerspectiveCheckpointRow, ok bool, err error)

	// CompletePerspectiveCheckpointWork applies one PerspectiveCompletion
	// as a standalone call outside ProcessWorkBatch; the perspective
	// runner does not call it, but queues its completions on a Strategy
	// for ProcessWorkBatch to apply in the next flush. It updates the
	// checkpoint and, when the status has CheckpointCompleted, marks all
	// unprocessed perspective-event rows for the pair as processed.
	CompletePerspectiveCheckpointWork(ctx context.Context, completion PerspectiveCompletion) error

	// RegisterMessageAssociations reconciles handler/perspective
	// subscriptions declared by this process with the database.
	RegisterMessageAssociations(ctx context.Context, associations []MessageAssociation) (inserted, updated, deleted int, err error)

	// ActiveStreamCount reports how many rows currently exist in the
	// active-streams table, for metrics collection.
	ActiveStreamCount(ctx context.Context) (int, error)

	// CountByStatus reports outstanding row counts for metrics
	// collection: queue is "outbox" or "inbox", keyed by status bitmask.
	CountByStatus(ctx context.Context, queue string) (map[Status]int, error)

	// Close releases any resources (connection pool, file handle) held
	// by the store.
	Close() error

	// Ping reports whether the store can currently serve requests, used
	// by the readiness probe registered against it in cmd/coordinator.
	Ping(ctx context.Context) error
}
