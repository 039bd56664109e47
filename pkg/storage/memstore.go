package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketOutbox               = []byte("outbox")
	bucketInbox                = []byte("inbox")
	bucketPerspectiveEvents    = []byte("perspective_events")
	bucketPerspectiveCheckpts  = []byte("perspective_checkpoints")
	bucketPerspectiveModels    = []byte("perspective_models")
	bucketActiveStreams        = []byte("active_streams")
	bucketInstances            = []byte("service_instances")
	bucketEvents               = []byte("events")
	bucketAssociations         = []byte("message_associations")
)

// MemStore implements Store on top of an embedded bbolt database. It
// stands in for the Postgres store in local development and in the unit
// tests for pkg/coordinator, pkg/streams, pkg/publisher, pkg/consumer and
// pkg/perspective, none of which run against a live database. bbolt has
// no FOR UPDATE SKIP LOCKED equivalent, so MemStore instead relies on
// bbolt's single-writer transaction to make ProcessWorkBatch atomic: the
// whole batch runs inside one db.Update call.
type MemStore struct {
	db *bolt.DB
}

// NewMemStore opens (creating if absent) a bbolt-backed store rooted at
// dataDir.
func NewMemStore(dataDir string) (*MemStore, error) {
	path := filepath.Join(dataDir, "workcoord.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open bbolt database: %w", err)
	}

	buckets := [][]byte{
		bucketOutbox, bucketInbox, bucketPerspectiveEvents,
		bucketPerspectiveCheckpts, bucketPerspectiveModels,
		bucketActiveStreams, bucketInstances, bucketEvents, bucketAssociations,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &MemStore{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *MemStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the underlying bbolt database is still open, by
// running a no-op read transaction against it.
func (s *MemStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func inboxKey(messageID, handlerName string) []byte {
	return []byte(messageID + "\x00" + handlerName)
}

func perspectiveEventKey(streamID, perspectiveName, eventID string) []byte {
	return []byte(streamID + "\x00" + perspectiveName + "\x00" + eventID)
}

func checkpointKey(streamID, perspectiveName string) []byte {
	return []byte(streamID + "\x00" + perspectiveName)
}

func modelKey(perspectiveName, streamID string) []byte {
	return []byte(perspectiveName + "\x00" + streamID)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// ProcessWorkBatch applies a full batch inside a single bbolt write
// transaction, giving it the same all-or-nothing commit semantics the
// Postgres implementation gets from a SQL transaction.
func (s *MemStore) ProcessWorkBatch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	var result BatchResult
	now := time.Now().UTC()
	leaseExpiry := now.Add(time.Duration(req.LeaseSeconds) * time.Second)

	err := s.db.Update(func(tx *bolt.Tx) error {
		instances := tx.Bucket(bucketInstances)
		outbox := tx.Bucket(bucketOutbox)
		inbox := tx.Bucket(bucketInbox)
		pevents := tx.Bucket(bucketPerspectiveEvents)
		pchecks := tx.Bucket(bucketPerspectiveCheckpts)
		streams := tx.Bucket(bucketActiveStreams)

		// 1. Heartbeat upsert.
		var inst ServiceInstanceRow
		if data := instances.Get([]byte(req.InstanceID)); data != nil {
			_ = json.Unmarshal(data, &inst)
		} else {
			inst = ServiceInstanceRow{InstanceID: req.InstanceID}
		}
		inst.LastHeartbeatAt = now
		inst.Active = true
		if err := putJSON(instances, []byte(req.InstanceID), inst); err != nil {
			return err
		}

		staleCutoff := time.Duration(req.StaleCutoffSeconds) * time.Second
		if staleCutoff <= 0 {
			staleCutoff = 60 * time.Second
		}
		live := liveInstancesLocked(instances, now, staleCutoff)
		rank, activeCount := RankAmong(live, req.InstanceID)

		// 2. Outbox completions (only rows owned by caller).
		for _, c := range req.OutboxCompletions {
			data := outbox.Get([]byte(c.MessageID))
			if data == nil {
				continue
			}
			var row OutboxRow
			_ = json.Unmarshal(data, &row)
			if row.InstanceID != req.InstanceID {
				continue // lease-theft race: discard silently
			}
			row.Status = row.Status.With(c.CompletedStatus)
			row.ProcessedAt = &now
			if row.Status.Has(StatusPublished) && !req.DebugMode {
				if err := outbox.Delete([]byte(c.MessageID)); err != nil {
					return err
				}
				if err := retireStreamIfEmptyLocked(outbox, inbox, pevents, streams, row.StreamID); err != nil {
					return err
				}
				continue
			}
			if err := putJSON(outbox, []byte(c.MessageID), row); err != nil {
				return err
			}
		}

		// 3. Outbox failures (only rows owned by caller).
		for _, f := range req.OutboxFailures {
			data := outbox.Get([]byte(f.MessageID))
			if data == nil {
				continue
			}
			var row OutboxRow
			_ = json.Unmarshal(data, &row)
			if row.InstanceID != req.InstanceID {
				continue
			}
			row.Status = row.Status.With(f.PartialStatus)
			if !f.FailureReason.Transient() {
				row.Status = row.Status.With(StatusFailed)
			}
			row.Error = f.Error
			row.FailureReason = f.FailureReason
			if f.ConsumesAttempt {
				row.Attempts++
			}
			sched := NextScheduledFor(now, row.Attempts)
			row.ScheduledFor = &sched
			row.InstanceID = ""
			row.LeaseExpiry = nil
			if err := putJSON(outbox, []byte(f.MessageID), row); err != nil {
				return err
			}
		}

		// 4. Inbox completions (only rows owned by caller).
		for _, c := range req.InboxCompletions {
			key := inboxKey(c.MessageID, c.HandlerName)
			data := inbox.Get(key)
			if data == nil {
				continue
			}
			var row InboxRow
			_ = json.Unmarshal(data, &row)
			if row.InstanceID != req.InstanceID {
				continue
			}
			row.Status = row.Status.With(c.CompletedStatus)
			row.ProcessedAt = &now
			if row.Status.Has(StatusEventStored) && !req.DebugMode {
				if err := inbox.Delete(key); err != nil {
					return err
				}
				if err := retireStreamIfEmptyLocked(outbox, inbox, pevents, streams, row.StreamID); err != nil {
					return err
				}
				continue
			}
			if err := putJSON(inbox, key, row); err != nil {
				return err
			}
		}

		// 5. Inbox failures.
		for _, f := range req.InboxFailures {
			key := inboxKey(f.MessageID, f.HandlerName)
			data := inbox.Get(key)
			if data == nil {
				continue
			}
			var row InboxRow
			_ = json.Unmarshal(data, &row)
			if row.InstanceID != req.InstanceID {
				continue
			}
			row.Status = row.Status.With(f.PartialStatus)
			if !f.FailureReason.Transient() {
				row.Status = row.Status.With(StatusFailed)
			}
			row.Error = f.Error
			row.FailureReason = f.FailureReason
			if f.ConsumesAttempt {
				row.Attempts++
			}
			sched := NextScheduledFor(now, row.Attempts)
			row.ScheduledFor = &sched
			row.InstanceID = ""
			row.LeaseExpiry = nil
			if err := putJSON(inbox, key, row); err != nil {
				return err
			}
		}

		// 6. Perspective completions.
		for _, pc := range req.PerspectiveCompletions {
			if err := completeCheckpointLocked(pchecks, pevents, pc, now); err != nil {
				return err
			}
		}

		// Keys submitted for insert in steps 7-9 are skipped by steps 10-12.
		submitted := make(map[string]bool)

		// 7. Insert new outbox rows (ON CONFLICT DO NOTHING), lease to caller.
		for _, ins := range req.OutboxInserts {
			submitted["outbox\x00"+ins.MessageID] = true
			if existing := outbox.Get([]byte(ins.MessageID)); existing != nil {
				continue
			}
			partition, hasPartition := ComputePartition(ins.StreamID, req.PartitionCount)
			row := OutboxRow{
				MessageID:    ins.MessageID,
				Destination:  ins.Destination,
				MessageType:  ins.MessageType,
				EnvelopeType: ins.EnvelopeType,
				EventData:    ins.EventData,
				Metadata:     ins.Metadata,
				Scope:        ins.Scope,
				StreamID:     ins.StreamID,
				IsEvent:      ins.IsEvent,
				Status:       StatusStored,
				InstanceID:   req.InstanceID,
				LeaseExpiry:  ptrTime(leaseExpiry),
				CreatedAt:    now,
				ClaimFlag:    ClaimNewlyStored,
			}
			if hasPartition {
				p := partition
				row.PartitionNumber = &p
			}
			if err := putJSON(outbox, []byte(ins.MessageID), row); err != nil {
				return err
			}
			if ins.StreamID != "" {
				if err := claimStreamLocked(streams, ins.StreamID, partition, req.InstanceID, leaseExpiry, now); err != nil {
					return err
				}
			}
			result.OutboxWork = append(result.OutboxWork, row)
		}

		// 8. Insert new inbox rows (ON CONFLICT DO NOTHING), lease to caller.
		for _, ins := range req.InboxInserts {
			key := inboxKey(ins.MessageID, ins.HandlerName)
			submitted["inbox\x00"+string(key)] = true
			if existing := inbox.Get(key); existing != nil {
				continue
			}
			row := InboxRow{
				MessageID:    ins.MessageID,
				HandlerName:  ins.HandlerName,
				Destination:  ins.Destination,
				MessageType:  ins.MessageType,
				EnvelopeType: ins.EnvelopeType,
				EventData:    ins.EventData,
				Metadata:     ins.Metadata,
				Scope:        ins.Scope,
				StreamID:     ins.StreamID,
				IsEvent:      ins.IsEvent,
				Status:       StatusStored,
				InstanceID:   req.InstanceID,
				LeaseExpiry:  ptrTime(leaseExpiry),
				ReceivedAt:   now,
				ClaimFlag:    ClaimNewlyStored,
			}
			if err := putJSON(inbox, key, row); err != nil {
				return err
			}
			if ins.StreamID != "" {
				partition, _ := ComputePartition(ins.StreamID, req.PartitionCount)
				if err := claimStreamLocked(streams, ins.StreamID, partition, req.InstanceID, leaseExpiry, now); err != nil {
					return err
				}
			}
			result.InboxWork = append(result.InboxWork, row)
		}

		// 9. Insert new perspective-event rows (unique stream+perspective+event).
		for _, ins := range req.PerspectiveInserts {
			key := perspectiveEventKey(ins.StreamID, ins.PerspectiveName, ins.EventID)
			submitted["pevents\x00"+string(key)] = true
			if existing := pevents.Get(key); existing != nil {
				continue
			}
			row := PerspectiveEventRow{
				EventWorkID:     ins.EventWorkID,
				StreamID:        ins.StreamID,
				PerspectiveName: ins.PerspectiveName,
				EventID:         ins.EventID,
				SequenceNumber:  ins.SequenceNumber,
				Status:          StatusStored,
				InstanceID:      req.InstanceID,
				LeaseExpiry:     ptrTime(leaseExpiry),
				CreatedAt:       now,
				ClaimFlag:       ClaimNewlyStored,
			}
			if err := putJSON(pevents, key, row); err != nil {
				return err
			}
			partition, _ := ComputePartition(ins.StreamID, req.PartitionCount)
			if err := claimStreamLocked(streams, ins.StreamID, partition, req.InstanceID, leaseExpiry, now); err != nil {
				return err
			}
			result.PerspectiveWork = append(result.PerspectiveWork, row)
		}

		// 10. Inherited + reclaimed outbox work: scan remaining rows.
		if err := outbox.ForEach(func(k, v []byte) error {
			if submitted["outbox\x00"+string(k)] {
				return nil
			}
			var row OutboxRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Status.Has(StatusFailed) {
				return nil
			}
			if row.ScheduledFor != nil && row.ScheduledFor.After(now) {
				return nil
			}
			if claimed, flag := tryClaimRow(row.InstanceID, row.LeaseExpiry, row.StreamID, row.PartitionNumber, streams, req.InstanceID, rank, activeCount, now); claimed {
				row.InstanceID = req.InstanceID
				row.LeaseExpiry = ptrTime(leaseExpiry)
				row.ClaimFlag = flag
				if err := putJSON(outbox, k, row); err != nil {
					return err
				}
				if row.StreamID != "" {
					pn := 0
					if row.PartitionNumber != nil {
						pn = *row.PartitionNumber
					}
					if err := claimStreamLocked(streams, row.StreamID, pn, req.InstanceID, leaseExpiry, now); err != nil {
						return err
					}
				}
				if flag != ClaimNewlyStored {
					result.OutboxWork = append(result.OutboxWork, row)
				}
			}
			return nil
		}); err != nil {
			return err
		}

		// 11. Inherited + reclaimed inbox work.
		if err := inbox.ForEach(func(k, v []byte) error {
			if submitted["inbox\x00"+string(k)] {
				return nil
			}
			var row InboxRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Status.Has(StatusFailed) {
				return nil
			}
			if row.ScheduledFor != nil && row.ScheduledFor.After(now) {
				return nil
			}
			var partition *int
			if row.StreamID != "" {
				p, ok := ComputePartition(row.StreamID, req.PartitionCount)
				if ok {
					partition = &p
				}
			}
			if claimed, flag := tryClaimRow(row.InstanceID, row.LeaseExpiry, row.StreamID, partition, streams, req.InstanceID, rank, activeCount, now); claimed {
				row.InstanceID = req.InstanceID
				row.LeaseExpiry = ptrTime(leaseExpiry)
				row.ClaimFlag = flag
				if err := putJSON(inbox, k, row); err != nil {
					return err
				}
				if row.StreamID != "" && partition != nil {
					if err := claimStreamLocked(streams, row.StreamID, *partition, req.InstanceID, leaseExpiry, now); err != nil {
						return err
					}
				}
				if flag != ClaimNewlyStored {
					result.InboxWork = append(result.InboxWork, row)
				}
			}
			return nil
		}); err != nil {
			return err
		}

		// 12. Inherited + reclaimed perspective work.
		if err := pevents.ForEach(func(k, v []byte) error {
			if submitted["pevents\x00"+string(k)] {
				return nil
			}
			var row PerspectiveEventRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.ProcessedAt != nil {
				return nil
			}
			partition, _ := ComputePartition(row.StreamID, req.PartitionCount)
			if claimed, flag := tryClaimRow(row.InstanceID, row.LeaseExpiry, row.StreamID, &partition, streams, req.InstanceID, rank, activeCount, now); claimed {
				row.InstanceID = req.InstanceID
				row.LeaseExpiry = ptrTime(leaseExpiry)
				row.ClaimFlag = flag
				if err := putJSON(pevents, k, row); err != nil {
					return err
				}
				if err := claimStreamLocked(streams, row.StreamID, partition, req.InstanceID, leaseExpiry, now); err != nil {
					return err
				}
				if flag != ClaimNewlyStored {
					result.PerspectiveWork = append(result.PerspectiveWork, row)
				}
			}
			return nil
		}); err != nil {
			return err
		}

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

func ptrTime(t time.Time) *time.Time { return &t }

// tryClaimRow decides whether the calling instance may claim a row that
// was not part of this flush's own inserts: either it is already owned
// by the caller with a still-valid lease (Inherited), or it is orphaned
// (no owner, or expired lease) and falls in a partition the caller is
// entitled to, and the stream (if any) is not owned by a live foreign
// instance (Reclaimed).
func tryClaimRow(ownerID string, leaseExpiry *time.Time, streamID string, partition *int, streams *bolt.Bucket, callerID string, rank, activeCount int, now time.Time) (bool, ClaimFlag) {
	leaseValid := leaseExpiry != nil && leaseExpiry.After(now)
	if ownerID == callerID && leaseValid {
		return true, ClaimInherited
	}
	if ownerID != "" && leaseValid {
		return false, 0 // owned by a foreign instance with a live lease
	}
	if activeCount <= 0 || partition == nil {
		return false, 0
	}
	if *partition%activeCount != rank {
		return false, 0
	}
	if streamID != "" && !streamClaimableLocked(streams, streamID, callerID, now) {
		return false, 0
	}
	return true, ClaimReclaimed
}

func liveInstancesLocked(instances *bolt.Bucket, now time.Time, staleCutoff time.Duration) []ServiceInstanceRow {
	var out []ServiceInstanceRow
	_ = instances.ForEach(func(k, v []byte) error {
		var row ServiceInstanceRow
		if err := json.Unmarshal(v, &row); err != nil {
			return nil
		}
		if now.Sub(row.LastHeartbeatAt) <= staleCutoff {
			out = append(out, row)
		}
		return nil
	})
	return out
}

// claimStreamLocked assigns or renews ownership of a stream's
// active-streams row for the caller. It refuses to steal ownership from
// a foreign instance whose lease is still valid, preserving sticky
// ownership invariant 3.
func claimStreamLocked(streams *bolt.Bucket, streamID string, partition int, instanceID string, leaseExpiry, now time.Time) error {
	key := []byte(streamID)
	var row ActiveStreamRow
	if data := streams.Get(key); data != nil {
		_ = json.Unmarshal(data, &row)
		if row.AssignedInstanceID != "" && row.AssignedInstanceID != instanceID &&
			row.LeaseExpiry != nil && row.LeaseExpiry.After(now) {
			return nil // owned elsewhere and still live; leave assignment untouched
		}
	} else {
		row = ActiveStreamRow{StreamID: streamID, PartitionNumber: partition, CreatedAt: now}
	}
	row.AssignedInstanceID = instanceID
	row.LeaseExpiry = &leaseExpiry
	row.UpdatedAt = now
	return putJSON(streams, key, row)
}

func streamClaimableLocked(streams *bolt.Bucket, streamID, callerID string, now time.Time) bool {
	data := streams.Get([]byte(streamID))
	if data == nil {
		return true
	}
	var row ActiveStreamRow
	_ = json.Unmarshal(data, &row)
	if row.AssignedInstanceID == "" || row.AssignedInstanceID == callerID {
		return true
	}
	return row.LeaseExpiry == nil || !row.LeaseExpiry.After(now)
}

// retireStreamIfEmptyLocked deletes streamID's active_streams row once none
// of the three queues still hold unresolved work for it, so a finished
// stream's partition/lease slot is freed for reclaim rather than held
// forever by its last owner.
func retireStreamIfEmptyLocked(outbox, inbox, pevents, streams *bolt.Bucket, streamID string) error {
	if streamID == "" {
		return nil
	}

	// Any row still present in outbox/inbox belongs to an unresolved
	// message: completions delete the row on success, so presence alone
	// means the stream is still busy.
	busy := false
	err := outbox.ForEach(func(_, v []byte) error {
		var row OutboxRow
		if err := json.Unmarshal(v, &row); err == nil && row.StreamID == streamID {
			busy = true
			return errStreamBusy
		}
		return nil
	})
	if err != nil && err != errStreamBusy {
		return err
	}
	if !busy {
		err = inbox.ForEach(func(_, v []byte) error {
			var row InboxRow
			if err := json.Unmarshal(v, &row); err == nil && row.StreamID == streamID {
				busy = true
				return errStreamBusy
			}
			return nil
		})
		if err != nil && err != errStreamBusy {
			return err
		}
	}
	if !busy {
		err = pevents.ForEach(func(_, v []byte) error {
			var row PerspectiveEventRow
			if err := json.Unmarshal(v, &row); err == nil && row.StreamID == streamID && row.ProcessedAt == nil {
				busy = true
				return errStreamBusy
			}
			return nil
		})
		if err != nil && err != errStreamBusy {
			return err
		}
	}
	if busy {
		return nil
	}

	return streams.Delete([]byte(streamID))
}

var errStreamBusy = fmt.Errorf("stream still has unresolved work")

func completeCheckpointLocked(pchecks, pevents *bolt.Bucket, pc PerspectiveCompletion, now time.Time) error {
	key := checkpointKey(pc.StreamID, pc.PerspectiveName)
	var cp PerspectiveCheckpointRow
	if data := pchecks.Get(key); data != nil {
		_ = json.Unmarshal(data, &cp)
	} else {
		cp = PerspectiveCheckpointRow{StreamID: pc.StreamID, PerspectiveName: pc.PerspectiveName}
	}
	cp.LastEventID = pc.LastEventID
	cp.Status = pc.Status
	cp.Error = pc.Error
	cp.ProcessedAt = &now
	if cp.Status.Has(CheckpointCompleted) && pc.Error == "" {
		cp.Status = cp.Status.Without(CheckpointCatchingUp)
	}
	if err := putJSON(pchecks, key, cp); err != nil {
		return err
	}
	if !pc.Status.Has(CheckpointCompleted) {
		return nil
	}

	prefix := []byte(pc.StreamID + "\x00" + pc.PerspectiveName + "\x00")
	cur := pevents.Cursor()
	for k, v := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cur.Next() {
		var row PerspectiveEventRow
		if err := json.Unmarshal(v, &row); err != nil {
			continue
		}
		if row.ProcessedAt != nil {
			continue
		}
		row.ProcessedAt = &now
		if err := putJSON(pevents, k, row); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func sortOutboxWork(rows []OutboxRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		pi, pj := partitionOrMax(rows[i].PartitionNumber), partitionOrMax(rows[j].PartitionNumber)
		if pi != pj {
			return pi < pj
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}

func sortInboxWork(rows []InboxRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].ReceivedAt.Before(rows[j].ReceivedAt)
	})
}

func sortPerspectiveWork(rows []PerspectiveEventRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].StreamID != rows[j].StreamID {
			return rows[i].StreamID < rows[j].StreamID
		}
		return rows[i].SequenceNumber < rows[j].SequenceNumber
	})
}

func partitionOrMax(p *int) int {
	if p == nil {
		return int(^uint(0) >> 1)
	}
	return *p
}

// CalculateInstanceRank implements the Store contract outside of a batch,
// used by the streams registry to decide claim eligibility between flushes.
func (s *MemStore) CalculateInstanceRank(ctx context.Context, instanceID string, staleCutoff time.Duration) (int, int, error) {
	var rank, count int
	err := s.db.View(func(tx *bolt.Tx) error {
		live := liveInstancesLocked(tx.Bucket(bucketInstances), time.Now().UTC(), staleCutoff)
		rank, count = RankAmong(live, instanceID)
		return nil
	})
	return rank, count, err
}

// UpsertServiceInstance registers or refreshes a service instance row.
func (s *MemStore) UpsertServiceInstance(ctx context.Context, row ServiceInstanceRow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketInstances), []byte(row.InstanceID), row)
	})
}

// ListLiveInstances returns instances heartbeating within staleCutoff.
func (s *MemStore) ListLiveInstances(ctx context.Context, staleCutoff time.Duration) ([]ServiceInstanceRow, error) {
	var out []ServiceInstanceRow
	err := s.db.View(func(tx *bolt.Tx) error {
		out = liveInstancesLocked(tx.Bucket(bucketInstances), time.Now().UTC(), staleCutoff)
		return nil
	})
	return out, err
}

// MarkStaleInstancesInactive flips Active=false for stale instances.
func (s *MemStore) MarkStaleInstancesInactive(ctx context.Context, staleCutoff time.Duration) (int, error) {
	now := time.Now().UTC()
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var row ServiceInstanceRow
			if err := json.Unmarshal(v, &row); err != nil {
				return nil
			}
			if !row.Active {
				return nil
			}
			if now.Sub(row.LastHeartbeatAt) > staleCutoff {
				row.Active = false
				count++
				return putJSON(b, k, row)
			}
			return nil
		})
	})
	return count, err
}

// GetEvent loads an event by id from the event store bucket.
func (s *MemStore) GetEvent(ctx context.Context, eventID string) (EventRecord, error) {
	var rec EventRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get([]byte(eventID))
		if data == nil {
			return fmt.Errorf("storage: event %s not found", eventID)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// PutEvent stores an event so perspective projection can load it later;
// this is a MemStore-only convenience used by tests, standing in for
// what an event-store write would do against Postgres.
func (s *MemStore) PutEvent(ctx context.Context, rec EventRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketEvents), []byte(rec.EventID), rec)
	})
}

// GetPerspectiveModel loads the current read model for a (perspective, stream) pair.
func (s *MemStore) GetPerspectiveModel(ctx context.Context, perspectiveName, streamID string) (PerspectiveModelRow, bool, error) {
	var row PerspectiveModelRow
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPerspectiveModels).Get(modelKey(perspectiveName, streamID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &row)
	})
	return row, found, err
}

// UpsertPerspectiveModel stores an updated read model.
func (s *MemStore) UpsertPerspectiveModel(ctx context.Context, row PerspectiveModelRow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketPerspectiveModels), modelKey(row.PerspectiveName, row.StreamID), row)
	})
}

// GetPerspectiveCheckpoint loads the checkpoint for a (stream, perspective) pair.
func (s *MemStore) GetPerspectiveCheckpoint(ctx context.Context, streamID, perspectiveName string) (PerspectiveCheckpointRow, bool, error) {
	var row PerspectiveCheckpointRow
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPerspectiveCheckpts).Get(checkpointKey(streamID, perspectiveName))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &row)
	})
	return row, found, err
}

// CompletePerspectiveCheckpointWork updates the checkpoint and, when the
// status has CheckpointCompleted, marks unprocessed perspective-event rows
// for the pair as processed, as a standalone call outside of
// ProcessWorkBatch.
func (s *MemStore) CompletePerspectiveCheckpointWork(ctx context.Context, completion PerspectiveCompletion) error {
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		return completeCheckpointLocked(tx.Bucket(bucketPerspectiveCheckpts), tx.Bucket(bucketPerspectiveEvents), completion, now)
	})
}

// RegisterMessageAssociations reconciles declared associations with storage.
func (s *MemStore) RegisterMessageAssociations(ctx context.Context, associations []MessageAssociation) (int, int, int, error) {
	inserted, updated, deleted := 0, 0, 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssociations)
		seen := make(map[string]bool, len(associations))
		for _, a := range associations {
			key := []byte(a.MessageType + "\x00" + a.HandlerName + "\x00" + a.PerspectiveName)
			seen[string(key)] = true
			existing := b.Get(key)
			if existing == nil {
				inserted++
			} else {
				updated++
			}
			if err := putJSON(b, key, a); err != nil {
				return err
			}
		}
		var toDelete [][]byte
		_ = b.ForEach(func(k, v []byte) error {
			if !seen[string(k)] {
				cp := append([]byte(nil), k...)
				toDelete = append(toDelete, cp)
			}
			return nil
		})
		for _, k := range toDelete {
			deleted++
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return inserted, updated, deleted, err
}

// ActiveStreamCount reports how many rows exist in the active-streams table.
func (s *MemStore) ActiveStreamCount(ctx context.Context) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActiveStreams).ForEach(func(k, v []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

// CountByStatus reports outstanding row counts by status bitmask for metrics.
func (s *MemStore) CountByStatus(ctx context.Context, queue string) (map[Status]int, error) {
	out := make(map[Status]int)
	var bucketName []byte
	switch queue {
	case "outbox":
		bucketName = bucketOutbox
	case "inbox":
		bucketName = bucketInbox
	default:
		return out, fmt.Errorf("storage: unknown queue %q", queue)
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var status struct {
				Status Status
			}
			if err := json.Unmarshal(v, &status); err != nil {
				return nil
			}
			out[status.Status]++
			return nil
		})
	})
	return out, err
}
