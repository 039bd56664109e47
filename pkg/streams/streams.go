// Package streams implements the partition-based load-balancing half of
// stream ownership (SPEC_FULL.md §4.5): which partitions this instance
// is currently entitled to claim work in. The sticky assignment state
// machine itself (the active-streams table) lives in pkg/storage, since
// it has to be updated atomically alongside the rows it protects; this
// package gives the worker loops a cheap, locally cached view of rank
// and partition count so they don't recompute it on every row.
package streams

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/workcoord/pkg/log"
	"github.com/cuemby/workcoord/pkg/storage"
	"github.com/rs/zerolog"
)

// Config controls partitioning and how often rank is refreshed.
type Config struct {
	PartitionCount int
	StaleCutoff    time.Duration
	RefreshEvery   time.Duration
}

// Registry tracks this instance's current rank among live instances and
// answers partition-eligibility questions; the consumer worker consults
// it before inbox-inserting an envelope.
type Registry struct {
	store      storage.Store
	instanceID string
	cfg        Config
	logger     zerolog.Logger

	mu          sync.RWMutex
	rank        int
	activeCount int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Registry with the given partition count (defaulting to
// 10,000 per SPEC_FULL.md §6.3) and stale cutoff (defaulting to 60s).
func New(store storage.Store, instanceID string, cfg Config) *Registry {
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = 10000
	}
	if cfg.StaleCutoff <= 0 {
		cfg.StaleCutoff = 60 * time.Second
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = 5 * time.Second
	}
	return &Registry{
		store:      store,
		instanceID: instanceID,
		cfg:        cfg,
		logger:     log.WithInstanceID(log.WithComponent("streams"), instanceID),
		rank:       -1,
		stopCh:     make(chan struct{}),
	}
}

// PartitionCount reports the configured partitioning modulus.
func (r *Registry) PartitionCount() int { return r.cfg.PartitionCount }

// Partition computes the stable partition for a stream id, or ok=false
// for an unscoped (empty) stream id.
func (r *Registry) Partition(streamID string) (partition int, ok bool) {
	return storage.ComputePartition(streamID, r.cfg.PartitionCount)
}

// Eligible reports whether this instance's current rank makes it the
// owner of the given partition: partition mod active_count == rank.
// With no live instances (active_count == 0, e.g. before the first
// refresh) nothing is eligible.
func (r *Registry) Eligible(partition int) bool {
	r.mu.RLock()
	rank, activeCount := r.rank, r.activeCount
	r.mu.RUnlock()
	if activeCount <= 0 || rank < 0 {
		return false
	}
	return partition%activeCount == rank
}

// Start begins periodically refreshing rank/active-instance-count.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.refresh(ctx); err != nil {
		return err
	}
	r.wg.Add(1)
	go r.run(ctx)
	return nil
}

// Stop halts the refresh loop.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.RefreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.refresh(ctx); err != nil {
				r.logger.Error().Err(err).Msg("rank refresh failed")
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) refresh(ctx context.Context) error {
	rank, activeCount, err := r.store.CalculateInstanceRank(ctx, r.instanceID, r.cfg.StaleCutoff)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if rank != r.rank || activeCount != r.activeCount {
		r.logger.Info().Int("rank", rank).Int("active_count", activeCount).Msg("rank changed")
	}
	r.rank, r.activeCount = rank, activeCount
	r.mu.Unlock()
	return nil
}

// Rank returns the most recently refreshed rank and active instance count.
func (r *Registry) Rank() (rank int, activeCount int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rank, r.activeCount
}
