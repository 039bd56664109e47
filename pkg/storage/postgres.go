package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production Store backend. It implements the same
// contract as MemStore but persists through a pgx connection pool,
// claiming rows with FOR UPDATE SKIP LOCKED so concurrent instances never
// block each other on a contended partition.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresStore opens a pool against dsn. schema defaults to "public".
func NewPostgresStore(ctx context.Context, dsn, schema string) (*PostgresStore, error) {
	if schema == "" {
		schema = "public"
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports whether the pool can currently reach Postgres.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) t(table string) string {
	return s.schema + "." + table
}

// ProcessWorkBatch runs the same twelve-step sequence as MemStore's, as a
// series of statements inside one serializable-enough transaction: row
// locks taken along the way (FOR UPDATE on owned rows, FOR UPDATE SKIP
// LOCKED on orphan scans) give it the same atomicity the bbolt backend
// gets for free from its single-writer transaction.
func (s *PostgresStore) ProcessWorkBatch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	var result BatchResult
	now := time.Now().UTC()
	leaseExpiry := now.Add(time.Duration(req.LeaseSeconds) * time.Second)
	staleCutoff := time.Duration(req.StaleCutoffSeconds) * time.Second
	if staleCutoff <= 0 {
		staleCutoff = 60 * time.Second
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (instance_id, service_name, host_name, process_id, last_heartbeat_at, active)
			 VALUES ($1, '', '', 0, $2, true)
			 ON CONFLICT (instance_id) DO UPDATE SET last_heartbeat_at = excluded.last_heartbeat_at, active = true`,
			s.t("service_instances")), req.InstanceID, now); err != nil {
			return err
		}

		live, err := s.liveInstancesTx(ctx, tx, now, staleCutoff)
		if err != nil {
			return err
		}
		rank, activeCount := RankAmong(live, req.InstanceID)

		if err := s.applyOutboxCompletions(ctx, tx, req, now); err != nil {
			return err
		}
		if err := s.applyOutboxFailures(ctx, tx, req, now); err != nil {
			return err
		}
		if err := s.applyInboxCompletions(ctx, tx, req, now); err != nil {
			return err
		}
		if err := s.applyInboxFailures(ctx, tx, req, now); err != nil {
			return err
		}
		for _, pc := range req.PerspectiveCompletions {
			if err := s.completeCheckpointTx(ctx, tx, pc, now); err != nil {
				return err
			}
		}

		if err := s.applyOutboxInserts(ctx, tx, req, now, leaseExpiry); err != nil {
			return err
		}
		if err := s.applyInboxInserts(ctx, tx, req, now, leaseExpiry); err != nil {
			return err
		}
		if err := s.applyPerspectiveInserts(ctx, tx, req, now); err != nil {
			return err
		}

		outRows, err := s.claimOwnedOutbox(ctx, tx, req.InstanceID)
		if err != nil {
			return err
		}
		reclaimedOut, err := s.claimOrphanOutbox(ctx, tx, req, now, leaseExpiry, rank, activeCount, batchSize-len(outRows))
		if err != nil {
			return err
		}
		result.OutboxWork = append(outRows, reclaimedOut...)

		inRows, err := s.claimOwnedInbox(ctx, tx, req.InstanceID)
		if err != nil {
			return err
		}
		reclaimedIn, err := s.claimOrphanInbox(ctx, tx, req, now, leaseExpiry, batchSize-len(inRows))
		if err != nil {
			return err
		}
		result.InboxWork = append(inRows, reclaimedIn...)

		perspWork, err := s.claimPerspectiveWork(ctx, tx, req, now, leaseExpiry, rank, activeCount, batchSize)
		if err != nil {
			return err
		}
		result.PerspectiveWork = perspWork

		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}

	sortOutboxWork(result.OutboxWork)
	sortInboxWork(result.InboxWork)
	sortPerspectiveWork(result.PerspectiveWork)
	return result, nil
}

func (s *PostgresStore) liveInstancesTx(ctx context.Context, tx pgx.Tx, now time.Time, staleCutoff time.Duration) ([]ServiceInstanceRow, error) {
	rows, err := tx.Query(ctx, fmt.Sprintf(
		`SELECT instance_id, service_name, host_name, process_id, last_heartbeat_at, active
		 FROM %s WHERE last_heartbeat_at >= $1`, s.t("service_instances")),
		now.Add(-staleCutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServiceInstanceRow
	for rows.Next() {
		var r ServiceInstanceRow
		if err := rows.Scan(&r.InstanceID, &r.ServiceName, &r.HostName, &r.ProcessID, &r.LastHeartbeatAt, &r.Active); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) applyOutboxCompletions(ctx context.Context, tx pgx.Tx, req BatchRequest, now time.Time) error {
	for _, c := range req.OutboxCompletions {
		var status int
		var streamID string
		err := tx.QueryRow(ctx, fmt.Sprintf(
			`SELECT status, stream_id FROM %s WHERE message_id = $1 AND instance_id = $2 FOR UPDATE`,
			s.t("outbox")), c.MessageID, req.InstanceID).Scan(&status, &streamID)
		if err == pgx.ErrNoRows {
			continue // lease-theft race: discard silently
		}
		if err != nil {
			return err
		}
		newStatus := Status(status).With(c.CompletedStatus)
		if newStatus.Has(StatusPublished) && !req.DebugMode {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE message_id = $1`, s.t("outbox")), c.MessageID); err != nil {
				return err
			}
			if err := s.retireStreamIfEmpty(ctx, tx, streamID); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET status = $2, processed_at = $3 WHERE message_id = $1`, s.t("outbox")),
			c.MessageID, int(newStatus), now); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) applyOutboxFailures(ctx context.Context, tx pgx.Tx, req BatchRequest, now time.Time) error {
	for _, f := range req.OutboxFailures {
		var status, attempts int
		err := tx.QueryRow(ctx, fmt.Sprintf(
			`SELECT status, attempts FROM %s WHERE message_id = $1 AND instance_id = $2 FOR UPDATE`,
			s.t("outbox")), f.MessageID, req.InstanceID).Scan(&status, &attempts)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		newAttempts := attempts
		if f.ConsumesAttempt {
			newAttempts++
		}
		newStatus := Status(status).With(f.PartialStatus)
		if !f.FailureReason.Transient() {
			newStatus = newStatus.With(StatusFailed)
		}
		scheduledFor := NextScheduledFor(now, newAttempts)
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET status = $2, attempts = $3, error = $4, failure_reason = $5,
			 instance_id = NULL, lease_expiry = NULL, scheduled_for = $6 WHERE message_id = $1`,
			s.t("outbox")), f.MessageID, int(newStatus), newAttempts, f.Error, int(f.FailureReason), scheduledFor); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) applyInboxCompletions(ctx context.Context, tx pgx.Tx, req BatchRequest, now time.Time) error {
	for _, c := range req.InboxCompletions {
		var status int
		var streamID string
		err := tx.QueryRow(ctx, fmt.Sprintf(
			`SELECT status, stream_id FROM %s WHERE message_id = $1 AND handler_name = $2 AND instance_id = $3 FOR UPDATE`,
			s.t("inbox")), c.MessageID, c.HandlerName, req.InstanceID).Scan(&status, &streamID)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		newStatus := Status(status).With(c.CompletedStatus)
		if newStatus.Has(StatusEventStored) && !req.DebugMode {
			if _, err := tx.Exec(ctx, fmt.Sprintf(
				`DELETE FROM %s WHERE message_id = $1 AND handler_name = $2`, s.t("inbox")),
				c.MessageID, c.HandlerName); err != nil {
				return err
			}
			if err := s.retireStreamIfEmpty(ctx, tx, streamID); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET status = $3, processed_at = $4 WHERE message_id = $1 AND handler_name = $2`,
			s.t("inbox")), c.MessageID, c.HandlerName, int(newStatus), now); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) applyInboxFailures(ctx context.Context, tx pgx.Tx, req BatchRequest, now time.Time) error {
	for _, f := range req.InboxFailures {
		var status, attempts int
		err := tx.QueryRow(ctx, fmt.Sprintf(
			`SELECT status, attempts FROM %s WHERE message_id = $1 AND handler_name = $2 AND instance_id = $3 FOR UPDATE`,
			s.t("inbox")), f.MessageID, f.HandlerName, req.InstanceID).Scan(&status, &attempts)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		newAttempts := attempts
		if f.ConsumesAttempt {
			newAttempts++
		}
		newStatus := Status(status).With(f.PartialStatus)
		if !f.FailureReason.Transient() {
			newStatus = newStatus.With(StatusFailed)
		}
		scheduledFor := NextScheduledFor(now, newAttempts)
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET status = $3, attempts = $4, error = $5, failure_reason = $6,
			 instance_id = NULL, lease_expiry = NULL, scheduled_for = $7
			 WHERE message_id = $1 AND handler_name = $2`,
			s.t("inbox")), f.MessageID, f.HandlerName, int(newStatus), newAttempts, f.Error, int(f.FailureReason), scheduledFor); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) completeCheckpointTx(ctx context.Context, tx pgx.Tx, pc PerspectiveCompletion, now time.Time) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (stream_id, perspective_name, last_event_id, status, error, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (stream_id, perspective_name) DO UPDATE SET
		   last_event_id = excluded.last_event_id,
		   status = excluded.status,
		   error = excluded.error,
		   processed_at = excluded.processed_at`,
		s.t("perspective_checkpoints")),
		pc.StreamID, pc.PerspectiveName, pc.LastEventID, int(pc.Status), pc.Error, now)
	if err != nil {
		return err
	}
	if pc.Status.Has(CheckpointCompleted) {
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET processed_at = $3 WHERE stream_id = $1 AND perspective_name = $2 AND processed_at IS NULL`,
			s.t("perspective_events")), pc.StreamID, pc.PerspectiveName, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) applyOutboxInserts(ctx context.Context, tx pgx.Tx, req BatchRequest, now, leaseExpiry time.Time) error {
	for _, ins := range req.OutboxInserts {
		var partition *int
		if p, ok := ComputePartition(ins.StreamID, req.PartitionCount); ok {
			partition = &p
		}
		tag, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (message_id, destination, message_type, envelope_type, event_data, metadata,
			  scope, stream_id, partition_number, is_event, status, instance_id, lease_expiry, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			 ON CONFLICT (message_id) DO NOTHING`,
			s.t("outbox")),
			ins.MessageID, ins.Destination, ins.MessageType, ins.EnvelopeType, ins.EventData, ins.Metadata,
			ins.Scope, nullable(ins.StreamID), partition, ins.IsEvent, int(StatusStored), req.InstanceID, leaseExpiry, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if ins.StreamID != "" && partition != nil {
			if err := s.claimStreamTx(ctx, tx, ins.StreamID, *partition, req.InstanceID, leaseExpiry, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *PostgresStore) applyInboxInserts(ctx context.Context, tx pgx.Tx, req BatchRequest, now, leaseExpiry time.Time) error {
	for _, ins := range req.InboxInserts {
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (message_id, handler_name, destination, message_type, envelope_type, event_data,
			  metadata, scope, stream_id, is_event, status, instance_id, lease_expiry, received_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			 ON CONFLICT (message_id, handler_name) DO NOTHING`,
			s.t("inbox")),
			ins.MessageID, ins.HandlerName, ins.Destination, ins.MessageType, ins.EnvelopeType, ins.EventData,
			ins.Metadata, ins.Scope, nullable(ins.StreamID), ins.IsEvent, int(StatusStored), req.InstanceID, leaseExpiry, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) applyPerspectiveInserts(ctx context.Context, tx pgx.Tx, req BatchRequest, now time.Time) error {
	for _, ins := range req.PerspectiveInserts {
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (event_work_id, stream_id, perspective_name, event_id, sequence_number, status, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)
			 ON CONFLICT (stream_id, perspective_name, event_id) DO NOTHING`,
			s.t("perspective_events")),
			ins.EventWorkID, ins.StreamID, ins.PerspectiveName, ins.EventID, ins.SequenceNumber, int(StatusStored), now); err != nil {
			return err
		}
	}
	return nil
}

// claimStreamTx grants ownership of a stream's outstanding work to
// instanceID unless a live foreign lease already holds it.
func (s *PostgresStore) claimStreamTx(ctx context.Context, tx pgx.Tx, streamID string, partition int, instanceID string, leaseExpiry, now time.Time) error {
	var assigned string
	var expiry *time.Time
	err := tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT assigned_instance_id, lease_expiry FROM %s WHERE stream_id = $1 FOR UPDATE`,
		s.t("active_streams")), streamID).Scan(&assigned, &expiry)
	if err == pgx.ErrNoRows {
		_, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (stream_id, partition_number, assigned_instance_id, lease_expiry, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$5)`, s.t("active_streams")),
			streamID, partition, instanceID, leaseExpiry, now)
		return err
	}
	if err != nil {
		return err
	}
	if assigned != "" && assigned != instanceID && expiry != nil && expiry.After(now) {
		return nil // a live foreign lease still owns this stream
	}
	_, err = tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET assigned_instance_id = $2, lease_expiry = $3, updated_at = $4 WHERE stream_id = $1`,
		s.t("active_streams")), streamID, instanceID, leaseExpiry, now)
	return err
}

func (s *PostgresStore) claimOwnedOutbox(ctx context.Context, tx pgx.Tx, instanceID string) ([]OutboxRow, error) {
	rows, err := tx.Query(ctx, fmt.Sprintf(
		`SELECT message_id, destination, message_type, envelope_type, event_data, metadata, scope,
		  COALESCE(stream_id,''), partition_number, is_event, status, attempts, error, failure_reason,
		  instance_id, lease_expiry, scheduled_for, created_at, published_at, processed_at
		 FROM %s WHERE instance_id = $1 AND status & $2 = 0
		 ORDER BY partition_number NULLS LAST, created_at`,
		s.t("outbox")), instanceID, int(StatusFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		r, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		r.ClaimFlag = ClaimInherited
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) claimOrphanOutbox(ctx context.Context, tx pgx.Tx, req BatchRequest, now, leaseExpiry time.Time, rank, activeCount, limit int) ([]OutboxRow, error) {
	if limit <= 0 || activeCount <= 0 || rank < 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, fmt.Sprintf(
		`SELECT message_id, destination, message_type, envelope_type, event_data, metadata, scope,
		  COALESCE(stream_id,''), partition_number, is_event, status, attempts, error, failure_reason,
		  instance_id, lease_expiry, scheduled_for, created_at, published_at, processed_at
		 FROM %s
		 WHERE status & $1 = 0
		   AND (instance_id IS NULL OR lease_expiry < $2)
		   AND (scheduled_for IS NULL OR scheduled_for <= $2)
		   AND (partition_number IS NULL OR partition_number %% $3 = $4)
		 ORDER BY partition_number NULLS LAST, created_at
		 LIMIT $5
		 FOR UPDATE SKIP LOCKED`,
		s.t("outbox")), int(StatusFailed), now, activeCount, rank, limit)
	if err != nil {
		return nil, err
	}
	var claimed []OutboxRow
	for rows.Next() {
		r, err := scanOutboxRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]OutboxRow, 0, len(claimed))
	for i := range claimed {
		r := &claimed[i]
		if r.StreamID != "" && !s.streamClaimableTx(ctx, tx, r.StreamID, req.InstanceID, now) {
			continue
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET instance_id = $2, lease_expiry = $3 WHERE message_id = $1`, s.t("outbox")),
			r.MessageID, req.InstanceID, leaseExpiry); err != nil {
			return nil, err
		}
		if r.StreamID != "" {
			partition := partitionOrMax(r.PartitionNumber)
			if err := s.claimStreamTx(ctx, tx, r.StreamID, partition, req.InstanceID, leaseExpiry, now); err != nil {
				return nil, err
			}
		}
		r.InstanceID = req.InstanceID
		r.LeaseExpiry = &leaseExpiry
		if r.Status.Has(StatusStored) {
			r.ClaimFlag = ClaimReclaimed
		} else {
			r.ClaimFlag = ClaimNewlyStored
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *PostgresStore) streamClaimableTx(ctx context.Context, tx pgx.Tx, streamID, callerID string, now time.Time) bool {
	var assigned string
	var expiry *time.Time
	err := tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT assigned_instance_id, lease_expiry FROM %s WHERE stream_id = $1`, s.t("active_streams")),
		streamID).Scan(&assigned, &expiry)
	if err == pgx.ErrNoRows {
		return true
	}
	if err != nil {
		return false
	}
	if assigned == "" || assigned == callerID {
		return true
	}
	return expiry == nil || !expiry.After(now)
}

// retireStreamIfEmpty deletes streamID's active_streams row once none of
// the three queues still hold unresolved work for it, freeing its
// partition/lease slot instead of holding it forever for its last owner.
func (s *PostgresStore) retireStreamIfEmpty(ctx context.Context, tx pgx.Tx, streamID string) error {
	if streamID == "" {
		return nil
	}

	var busy bool
	err := tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT EXISTS(SELECT 1 FROM %s WHERE stream_id = $1)
		    OR EXISTS(SELECT 1 FROM %s WHERE stream_id = $1)
		    OR EXISTS(SELECT 1 FROM %s WHERE stream_id = $1 AND processed_at IS NULL)`,
		s.t("outbox"), s.t("inbox"), s.t("perspective_events")), streamID).Scan(&busy)
	if err != nil {
		return err
	}
	if busy {
		return nil
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE stream_id = $1`, s.t("active_streams")), streamID)
	return err
}

func (s *PostgresStore) claimOwnedInbox(ctx context.Context, tx pgx.Tx, instanceID string) ([]InboxRow, error) {
	rows, err := tx.Query(ctx, fmt.Sprintf(
		`SELECT message_id, handler_name, destination, message_type, envelope_type, event_data, metadata, scope,
		  COALESCE(stream_id,''), is_event, status, attempts, error, failure_reason,
		  instance_id, lease_expiry, scheduled_for, received_at, processed_at
		 FROM %s WHERE instance_id = $1 AND status & $2 = 0
		 ORDER BY received_at`, s.t("inbox")), instanceID, int(StatusFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InboxRow
	for rows.Next() {
		r, err := scanInboxRow(rows)
		if err != nil {
			return nil, err
		}
		r.ClaimFlag = ClaimInherited
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) claimOrphanInbox(ctx context.Context, tx pgx.Tx, req BatchRequest, now, leaseExpiry time.Time, limit int) ([]InboxRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, fmt.Sprintf(
		`SELECT message_id, handler_name, destination, message_type, envelope_type, event_data, metadata, scope,
		  COALESCE(stream_id,''), is_event, status, attempts, error, failure_reason,
		  instance_id, lease_expiry, scheduled_for, received_at, processed_at
		 FROM %s
		 WHERE status & $1 = 0
		   AND (instance_id IS NULL OR lease_expiry < $2)
		   AND (scheduled_for IS NULL OR scheduled_for <= $2)
		 ORDER BY received_at
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		s.t("inbox")), int(StatusFailed), now, limit)
	if err != nil {
		return nil, err
	}
	var claimed []InboxRow
	for rows.Next() {
		r, err := scanInboxRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range claimed {
		r := &claimed[i]
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET instance_id = $3, lease_expiry = $4 WHERE message_id = $1 AND handler_name = $2`,
			s.t("inbox")), r.MessageID, r.HandlerName, req.InstanceID, leaseExpiry); err != nil {
			return nil, err
		}
		r.InstanceID = req.InstanceID
		r.LeaseExpiry = &leaseExpiry
		if r.Status.Has(StatusStored) {
			r.ClaimFlag = ClaimReclaimed
		} else {
			r.ClaimFlag = ClaimNewlyStored
		}
	}
	return claimed, nil
}

func (s *PostgresStore) claimPerspectiveWork(ctx context.Context, tx pgx.Tx, req BatchRequest, now, leaseExpiry time.Time, rank, activeCount, limit int) ([]PerspectiveEventRow, error) {
	if activeCount <= 0 || rank < 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, fmt.Sprintf(
		`SELECT event_work_id, stream_id, perspective_name, event_id, sequence_number, status, attempts,
		  instance_id, lease_expiry, created_at, processed_at
		 FROM %s
		 WHERE processed_at IS NULL
		   AND (instance_id IS NULL OR lease_expiry < $1)
		 ORDER BY stream_id, sequence_number
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		s.t("perspective_events")), now, limit)
	if err != nil {
		return nil, err
	}
	var candidates []PerspectiveEventRow
	for rows.Next() {
		var r PerspectiveEventRow
		var status int
		if err := rows.Scan(&r.EventWorkID, &r.StreamID, &r.PerspectiveName, &r.EventID, &r.SequenceNumber,
			&status, &r.Attempts, &r.InstanceID, &r.LeaseExpiry, &r.CreatedAt, &r.ProcessedAt); err != nil {
			rows.Close()
			return nil, err
		}
		r.Status = Status(status)
		candidates = append(candidates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claimed := make([]PerspectiveEventRow, 0, len(candidates))
	for _, r := range candidates {
		if part, ok := ComputePartition(r.StreamID, req.PartitionCount); ok && part%activeCount != rank {
			continue
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET instance_id = $2, lease_expiry = $3 WHERE event_work_id = $1`,
			s.t("perspective_events")), r.EventWorkID, req.InstanceID, leaseExpiry); err != nil {
			return nil, err
		}
		r.InstanceID = req.InstanceID
		r.LeaseExpiry = &leaseExpiry
		r.ClaimFlag = ClaimNewlyStored
		claimed = append(claimed, r)
	}
	return claimed, nil
}

func scanOutboxRow(rows pgx.Rows) (OutboxRow, error) {
	var r OutboxRow
	var status, failureReason int
	err := rows.Scan(&r.MessageID, &r.Destination, &r.MessageType, &r.EnvelopeType, &r.EventData, &r.Metadata,
		&r.Scope, &r.StreamID, &r.PartitionNumber, &r.IsEvent, &status, &r.Attempts, &r.Error, &failureReason,
		&r.InstanceID, &r.LeaseExpiry, &r.ScheduledFor, &r.CreatedAt, &r.PublishedAt, &r.ProcessedAt)
	r.Status = Status(status)
	r.FailureReason = FailureReason(failureReason)
	return r, err
}

func scanInboxRow(rows pgx.Rows) (InboxRow, error) {
	var r InboxRow
	var status, failureReason int
	err := rows.Scan(&r.MessageID, &r.HandlerName, &r.Destination, &r.MessageType, &r.EnvelopeType, &r.EventData,
		&r.Metadata, &r.Scope, &r.StreamID, &r.IsEvent, &status, &r.Attempts, &r.Error, &failureReason,
		&r.InstanceID, &r.LeaseExpiry, &r.ScheduledFor, &r.ReceivedAt, &r.ProcessedAt)
	r.Status = Status(status)
	r.FailureReason = FailureReason(failureReason)
	return r, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) CalculateInstanceRank(ctx context.Context, instanceID string, staleCutoff time.Duration) (int, int, error) {
	live, err := s.ListLiveInstances(ctx, staleCutoff)
	if err != nil {
		return 0, 0, err
	}
	rank, activeCount := RankAmong(live, instanceID)
	return rank, activeCount, nil
}

func (s *PostgresStore) UpsertServiceInstance(ctx context.Context, row ServiceInstanceRow) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (instance_id, service_name, host_name, process_id, last_heartbeat_at, active)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (instance_id) DO UPDATE SET
		   service_name = excluded.service_name,
		   host_name = excluded.host_name,
		   process_id = excluded.process_id,
		   last_heartbeat_at = excluded.last_heartbeat_at,
		   active = excluded.active`,
		s.t("service_instances")),
		row.InstanceID, row.ServiceName, row.HostName, row.ProcessID, row.LastHeartbeatAt, row.Active)
	return err
}

func (s *PostgresStore) ListLiveInstances(ctx context.Context, staleCutoff time.Duration) ([]ServiceInstanceRow, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT instance_id, service_name, host_name, process_id, last_heartbeat_at, active
		 FROM %s WHERE last_heartbeat_at >= $1`, s.t("service_instances")),
		time.Now().UTC().Add(-staleCutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServiceInstanceRow
	for rows.Next() {
		var r ServiceInstanceRow
		if err := rows.Scan(&r.InstanceID, &r.ServiceName, &r.HostName, &r.ProcessID, &r.LastHeartbeatAt, &r.Active); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkStaleInstancesInactive(ctx context.Context, staleCutoff time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET active = false WHERE active = true AND last_heartbeat_at < $1`,
		s.t("service_instances")), time.Now().UTC().Add(-staleCutoff))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (EventRecord, error) {
	var r EventRecord
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT event_id, stream_id, event_type, data, sequence_number, occurred_at FROM %s WHERE event_id = $1`,
		s.t("events")), eventID).Scan(&r.EventID, &r.StreamID, &r.EventType, &r.Data, &r.SequenceNumber, &r.OccurredAt)
	return r, err
}

func (s *PostgresStore) GetPerspectiveModel(ctx context.Context, perspectiveName, streamID string) (PerspectiveModelRow, bool, error) {
	var r PerspectiveModelRow
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT perspective_name, stream_id, version, data, updated_at FROM %s
		 WHERE perspective_name = $1 AND stream_id = $2`, s.t("perspective_models")),
		perspectiveName, streamID).Scan(&r.PerspectiveName, &r.StreamID, &r.Version, &r.Data, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return PerspectiveModelRow{PerspectiveName: perspectiveName, StreamID: streamID}, false, nil
	}
	return r, err == nil, err
}

func (s *PostgresStore) UpsertPerspectiveModel(ctx context.Context, row PerspectiveModelRow) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (perspective_name, stream_id, version, data, updated_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (perspective_name, stream_id) DO UPDATE SET
		   version = excluded.version, data = excluded.data, updated_at = excluded.updated_at`,
		s.t("perspective_models")), row.PerspectiveName, row.StreamID, row.Version, row.Data, row.UpdatedAt)
	return err
}

func (s *PostgresStore) GetPerspectiveCheckpoint(ctx context.Context, streamID, perspectiveName string) (PerspectiveCheckpointRow, bool, error) {
	var r PerspectiveCheckpointRow
	var status int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT stream_id, perspective_name, COALESCE(last_event_id,''), status, COALESCE(error,''), processed_at
		 FROM %s WHERE stream_id = $1 AND perspective_name = $2`, s.t("perspective_checkpoints")),
		streamID, perspectiveName).Scan(&r.StreamID, &r.PerspectiveName, &r.LastEventID, &status, &r.Error, &r.ProcessedAt)
	r.Status = CheckpointStatus(status)
	if err == pgx.ErrNoRows {
		return PerspectiveCheckpointRow{StreamID: streamID, PerspectiveName: perspectiveName}, false, nil
	}
	return r, err == nil, err
}

func (s *PostgresStore) CompletePerspectiveCheckpointWork(ctx context.Context, completion PerspectiveCompletion) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.completeCheckpointTx(ctx, tx, completion, time.Now().UTC())
	})
}

func (s *PostgresStore) RegisterMessageAssociations(ctx context.Context, associations []MessageAssociation) (inserted, updated, deleted int, err error) {
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		seen := make(map[string]bool, len(associations))
		for _, a := range associations {
			key := a.MessageType + "\x00" + a.HandlerName + "\x00" + a.PerspectiveName
			seen[key] = true
			tag, execErr := tx.Exec(ctx, fmt.Sprintf(
				`INSERT INTO %s (message_type, handler_name, perspective_name) VALUES ($1,$2,$3)
				 ON CONFLICT (message_type, handler_name, perspective_name) DO NOTHING`,
				s.t("message_associations")), a.MessageType, a.HandlerName, a.PerspectiveName)
			if execErr != nil {
				return execErr
			}
			if tag.RowsAffected() > 0 {
				inserted++
			}
		}

		rows, queryErr := tx.Query(ctx, fmt.Sprintf(
			`SELECT message_type, handler_name, perspective_name FROM %s`, s.t("message_associations")))
		if queryErr != nil {
			return queryErr
		}
		var stale []MessageAssociation
		for rows.Next() {
			var a MessageAssociation
			if scanErr := rows.Scan(&a.MessageType, &a.HandlerName, &a.PerspectiveName); scanErr != nil {
				rows.Close()
				return scanErr
			}
			key := a.MessageType + "\x00" + a.HandlerName + "\x00" + a.PerspectiveName
			if !seen[key] {
				stale = append(stale, a)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, a := range stale {
			if _, execErr := tx.Exec(ctx, fmt.Sprintf(
				`DELETE FROM %s WHERE message_type = $1 AND handler_name = $2 AND perspective_name = $3`,
				s.t("message_associations")), a.MessageType, a.HandlerName, a.PerspectiveName); execErr != nil {
				return execErr
			}
			deleted++
		}
		return nil
	})
	return inserted, updated, deleted, err
}

func (s *PostgresStore) ActiveStreamCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.t("active_streams"))).Scan(&n)
	return n, err
}

func (s *PostgresStore) CountByStatus(ctx context.Context, queue string) (map[Status]int, error) {
	table := strings.ToLower(queue)
	if table != "outbox" && table != "inbox" {
		return nil, fmt.Errorf("storage: unknown queue %q", queue)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT status, count(*) FROM %s GROUP BY status`, s.t(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}
