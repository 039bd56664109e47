// Package perspective implements the Perspective Runner (SPEC_FULL.md
// §4.8): for each claimed perspective-event row, replay the event
// against a read-model projection and advance the stream's checkpoint.
package perspective

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/workcoord/pkg/coordinator"
	"github.com/cuemby/workcoord/pkg/log"
	"github.com/cuemby/workcoord/pkg/metrics"
	"github.com/cuemby/workcoord/pkg/storage"
	"github.com/rs/zerolog"
)

// Projection applies one event onto a model, returning the updated
// model bytes. It is the external collaborator; perspective runner
// only sequences calls to it and persists the result.
type Projection func(ctx context.Context, streamID string, model []byte, event storage.EventRecord) ([]byte, error)

// Config names the perspective this runner materializes.
type Config struct {
	Name       string
	FlushEvery time.Duration
}

// Worker claims perspective-event rows through a Strategy and applies
// Projection to advance each stream's read model.
type Worker struct {
	store      storage.Store
	strategy   *coordinator.Strategy
	projection Projection
	cfg        Config
	logger     zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a perspective Worker.
func New(store storage.Store, strategy *coordinator.Strategy, projection Projection, cfg Config) *Worker {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 500 * time.Millisecond
	}
	return &Worker{
		store:      store,
		strategy:   strategy,
		projection: projection,
		cfg:        cfg,
		logger:     log.WithComponent("perspective").With().Str("perspective", cfg.Name).Logger(),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the claim/apply loop.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop halts the loop.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.cycle(ctx); err != nil {
				w.logger.Error().Err(err).Msg("projection cycle failed")
			}
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) cycle(ctx context.Context) error {
	result, err := w.strategy.Flush(ctx)
	if err != nil {
		return err
	}

	metrics.PerspectiveBacklog.WithLabelValues(w.cfg.Name).Set(float64(len(result.PerspectiveWork)))

	// Events within a stream arrive in sequence-number order (flush's
	// stable ordering), so applying them in list order preserves
	// per-stream ordering even though streams are interleaved here.
	for _, row := range result.PerspectiveWork {
		w.applyOne(ctx, row)
	}

	if w.strategy.Pending() {
		if _, err := w.strategy.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) applyOne(ctx context.Context, row storage.PerspectiveEventRow) {
	event, err := w.store.GetEvent(ctx, row.EventID)
	if err != nil {
		w.logger.Error().Err(err).Str("event_id", row.EventID).Msg("event lookup failed")
		w.strategy.QueuePerspectiveCompletion(row.StreamID, row.PerspectiveName, row.EventID, 0, err.Error())
		return
	}

	model, _, err := w.store.GetPerspectiveModel(ctx, row.PerspectiveName, row.StreamID)
	if err != nil {
		w.logger.Error().Err(err).Msg("model lookup failed")
		return
	}

	timer := metrics.NewTimer()
	updated, err := w.projection(ctx, row.StreamID, model.Data, event)
	timer.ObserveDurationVec(metrics.PerspectiveApplyDuration, row.PerspectiveName)
	if err != nil {
		metrics.PerspectiveFailuresTotal.WithLabelValues(row.PerspectiveName).Inc()
		w.logger.Error().Err(err).Msg("projection failed")
		w.strategy.QueuePerspectiveCompletion(row.StreamID, row.PerspectiveName, row.EventID, storage.CheckpointCatchingUp, err.Error())
		return
	}

	model.PerspectiveName = row.PerspectiveName
	model.StreamID = row.StreamID
	model.Version++
	model.Data = updated
	model.UpdatedAt = time.Now().UTC()
	if err := w.store.UpsertPerspectiveModel(ctx, model); err != nil {
		w.logger.Error().Err(err).Msg("model upsert failed")
		return
	}

	w.strategy.QueuePerspectiveCompletion(row.StreamID, row.PerspectiveName, row.EventID, storage.CheckpointCompleted, "")
}
