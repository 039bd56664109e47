/*
Package storage defines the Store contract that the coordinator, publisher,
consumer, and perspective runner are all built against, plus two
implementations: PostgresStore for production and MemStore, a bbolt-backed
store used for tests and single-process deployments.

# Architecture

Store's single entry point for claiming and completing work is
ProcessWorkBatch: given a BatchRequest (the caller's instance id, lease and
partition settings, and any completions/failures/inserts queued since the
last flush; the store computes the caller's rank among live instances
itself), it claims
owned and orphaned outbox/inbox/perspective rows under lease, applies the
queued completions and failures, and returns a BatchResult in one atomic
unit. PostgresStore runs this as a single transaction using FOR UPDATE SKIP
LOCKED so concurrent instances never block each other on a contended
partition; MemStore gets the same atomicity for free from bbolt's
single-writer transaction.

The remaining Store methods (instance registration and rank, event/perspective
model reads, message association bookkeeping, backlog counts) are called
outside the batch cycle.

# Choosing a backend

	store, err := storage.NewPostgresStore(ctx, dsn, "public")   // production
	store, err := storage.NewMemStore(dataDir)                   // tests, local runs

Both satisfy storage.Store, so callers never branch on which backend they
hold.
*/
package storage
