// Package coordinator implements the Work Coordinator Strategy
// (SPEC_FULL.md §4.4): a per-scope in-memory batch of queued inserts,
// completions and failures that collapses to one process_work_batch
// round trip per flush.
package coordinator

import (
	"context"
	"sync"

	"github.com/cuemby/workcoord/pkg/metrics"
	"github.com/cuemby/workcoord/pkg/storage"
)

// Options configures default lease duration and claim batching, mapped
// directly from the configuration surface in SPEC_FULL.md §6.3.
type Options struct {
	InstanceID         string
	LeaseSeconds       int
	PartitionCount     int
	StaleCutoffSeconds int
	BatchSize          int
	DebugMode          bool
}

// Strategy accumulates queued work for one flush cycle. It is not safe
// for concurrent use by multiple goroutines without external
// synchronization; callers that need concurrent queuing (e.g. the
// consumer worker handling several envelopes at once) should guard
// calls with their own mutex or use one Strategy per goroutine and
// flush independently.
type Strategy struct {
	store storage.Store
	opts  Options

	mu                     sync.Mutex
	outboxInserts          []storage.OutboxInsert
	outboxCompletions      []storage.OutboxCompletion
	outboxFailures         []storage.OutboxFailure
	inboxInserts           []storage.InboxInsert
	inboxCompletions       []storage.InboxCompletion
	inboxFailures          []storage.InboxFailure
	perspectiveInserts     []storage.PerspectiveEventInsert
	perspectiveCompletions []storage.PerspectiveCompletion
}

// New builds a Strategy bound to store with the given options.
func New(store storage.Store, opts Options) *Strategy {
	if opts.LeaseSeconds <= 0 {
		opts.LeaseSeconds = 300
	}
	if opts.PartitionCount <= 0 {
		opts.PartitionCount = 10000
	}
	if opts.StaleCutoffSeconds <= 0 {
		opts.StaleCutoffSeconds = 60
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Strategy{store: store, opts: opts}
}

// QueueOutboxMessage queues a new outbox row for the next flush.
func (s *Strategy) QueueOutboxMessage(ins storage.OutboxInsert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxInserts = append(s.outboxInserts, ins)
}

// QueueInboxMessage queues a new inbox row for the next flush.
func (s *Strategy) QueueInboxMessage(ins storage.InboxInsert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboxInserts = append(s.inboxInserts, ins)
}

// QueuePerspectiveEvent queues a new perspective-work row.
func (s *Strategy) QueuePerspectiveEvent(ins storage.PerspectiveEventInsert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perspectiveInserts = append(s.perspectiveInserts, ins)
}

// QueueOutboxCompletion records a successful outbox transition.
func (s *Strategy) QueueOutboxCompletion(messageID string, completedStatus storage.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxCompletions = append(s.outboxCompletions, storage.OutboxCompletion{
		MessageID: messageID, CompletedStatus: completedStatus,
	})
}

// QueueInboxCompletion records a successful inbox transition.
func (s *Strategy) QueueInboxCompletion(messageID, handlerName string, completedStatus storage.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboxCompletions = append(s.inboxCompletions, storage.InboxCompletion{
		MessageID: messageID, HandlerName: handlerName, CompletedStatus: completedStatus,
	})
}

// QueueOutboxFailure records a partial or terminal outbox failure.
func (s *Strategy) QueueOutboxFailure(messageID string, partialStatus storage.Status, reason storage.FailureReason, err string, consumesAttempt bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxFailures = append(s.outboxFailures, storage.OutboxFailure{
		MessageID: messageID, PartialStatus: partialStatus, FailureReason: reason,
		Error: err, ConsumesAttempt: consumesAttempt,
	})
}

// QueueInboxFailure records a partial or terminal inbox failure.
func (s *Strategy) QueueInboxFailure(messageID, handlerName string, partialStatus storage.Status, reason storage.FailureReason, err string, consumesAttempt bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboxFailures = append(s.inboxFailures, storage.InboxFailure{
		MessageID: messageID, HandlerName: handlerName, PartialStatus: partialStatus,
		FailureReason: reason, Error: err, ConsumesAttempt: consumesAttempt,
	})
}

// QueuePerspectiveCompletion records a finished (or failed) projection pass.
func (s *Strategy) QueuePerspectiveCompletion(streamID, perspectiveName, lastEventID string, status storage.CheckpointStatus, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perspectiveCompletions = append(s.perspectiveCompletions, storage.PerspectiveCompletion{
		StreamID: streamID, PerspectiveName: perspectiveName, LastEventID: lastEventID,
		Status: status, Error: errText,
	})
}

// Pending reports whether anything is queued, so callers can skip an
// empty flush.
func (s *Strategy) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outboxInserts) > 0 || len(s.outboxCompletions) > 0 || len(s.outboxFailures) > 0 ||
		len(s.inboxInserts) > 0 || len(s.inboxCompletions) > 0 || len(s.inboxFailures) > 0 ||
		len(s.perspectiveInserts) > 0 || len(s.perspectiveCompletions) > 0
}

// Flush issues exactly one process_work_batch call against the store,
// clearing the queue on success. A failed flush leaves the queue intact
// so the caller may retry.
func (s *Strategy) Flush(ctx context.Context) (storage.BatchResult, error) {
	s.mu.Lock()
	req := storage.BatchRequest{
		InstanceID:             s.opts.InstanceID,
		OutboxInserts:          s.outboxInserts,
		OutboxCompletions:      s.outboxCompletions,
		OutboxFailures:         s.outboxFailures,
		InboxInserts:           s.inboxInserts,
		InboxCompletions:       s.inboxCompletions,
		InboxFailures:          s.inboxFailures,
		PerspectiveInserts:     s.perspectiveInserts,
		PerspectiveCompletions: s.perspectiveCompletions,
		LeaseSeconds:           s.opts.LeaseSeconds,
		PartitionCount:         s.opts.PartitionCount,
		StaleCutoffSeconds:     s.opts.StaleCutoffSeconds,
		BatchSize:              s.opts.BatchSize,
		DebugMode:              s.opts.DebugMode,
	}
	s.mu.Unlock()

	timer := metrics.NewTimer()
	result, err := s.store.ProcessWorkBatch(ctx, req)
	if err != nil {
		timer.ObserveDurationVec(metrics.FlushDuration, "error")
		metrics.FlushTotal.WithLabelValues("error").Inc()
		return storage.BatchResult{}, err
	}
	timer.ObserveDurationVec(metrics.FlushDuration, "ok")
	metrics.FlushTotal.WithLabelValues("ok").Inc()

	for _, row := range result.OutboxWork {
		if row.ClaimFlag == storage.ClaimReclaimed {
			metrics.ReclaimedRowsTotal.WithLabelValues("outbox").Inc()
		}
	}
	for _, row := range result.InboxWork {
		if row.ClaimFlag == storage.ClaimReclaimed {
			metrics.ReclaimedRowsTotal.WithLabelValues("inbox").Inc()
		}
	}

	s.mu.Lock()
	s.outboxInserts = nil
	s.outboxCompletions = nil
	s.outboxFailures = nil
	s.inboxInserts = nil
	s.inboxCompletions = nil
	s.inboxFailures = nil
	s.perspectiveInserts = nil
	s.perspectiveCompletions = nil
	s.mu.Unlock()

	return result, nil
}
