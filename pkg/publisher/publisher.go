// Package publisher drains claimed outbox rows into a transport
// (SPEC_FULL.md §4.6), reporting outcomes back to the Work Coordinator
// Strategy so the next flush commits completions and failures.
package publisher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/workcoord/pkg/coordinator"
	"github.com/cuemby/workcoord/pkg/ids"
	"github.com/cuemby/workcoord/pkg/log"
	"github.com/cuemby/workcoord/pkg/metrics"
	"github.com/cuemby/workcoord/pkg/storage"
	"github.com/cuemby/workcoord/pkg/transport"
	"github.com/rs/zerolog"
)

// Config controls batching cadence and retry policy.
type Config struct {
	FlushEvery  time.Duration
	MaxAttempts int
	Workers     int
}

// Worker loops, flushing claimed outbox rows to a Transport.
type Worker struct {
	strategy  *coordinator.Strategy
	transport transport.Transport
	cfg       Config
	logger    zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a publisher Worker. MaxAttempts defaults to 10 per
// SPEC_FULL.md §6.3; Workers defaults to 4 (bounded parallelism across
// streams, per §4.6).
func New(strategy *coordinator.Strategy, t transport.Transport, cfg Config) *Worker {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Worker{
		strategy:  strategy,
		transport: t,
		cfg:       cfg,
		logger:    log.WithComponent("publisher"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the flush loop.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop requests the loop to exit and waits for it. A production caller
// should give the context a drain-timeout deadline (SPEC_FULL.md §6.3
// drain_timeout) before cancelling so in-flight publishes can finish;
// Worker itself does not own that timeout, the caller's context does.
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
				w.logger.Error().Err(err).Msg("publish cycle failed")
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

	// Rows sharing a stream_id must publish in the order flush already
	// returned them, so each stream's rows run through a single
	// goroutine in list order; unstreamed rows carry no such constraint
	// and each gets its own goroutine. cfg.Workers bounds parallelism
	// across streams, not within one.
	groups := make(map[string][]storage.OutboxRow)
	var order []string
	for _, row := range result.OutboxWork {
		key := row.StreamID
		if key == "" {
			key = "\x00unstreamed:" + row.MessageID
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], row)
	}

	sem := make(chan struct{}, w.cfg.Workers)
	var wg sync.WaitGroup
	for _, key := range order {
		rows := groups[key]
		sem <- struct{}{}
		wg.Add(1)
		go func(rows []storage.OutboxRow) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, row := range rows {
				w.publishOne(ctx, row)
			}
		}(rows)
	}
	wg.Wait()

	if w.strategy.Pending() {
		if _, err := w.strategy.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) publishOne(ctx context.Context, row storage.OutboxRow) {
	if !w.transport.Capabilities().Has(transport.PublishSubscribe) {
		metrics.PublishTotal.WithLabelValues(row.Destination, "not_ready").Inc()
		w.strategy.QueueOutboxFailure(row.MessageID, 0, storage.FailureTransportNotReady, "transport not ready", false)
		return
	}

	var hops []ids.Hop
	_ = json.Unmarshal(row.Metadata, &hops)
	hops = append(hops, ids.Hop{
		Type:            ids.HopCurrent,
		ServiceInstance: "publisher",
		Timestamp:       time.Now().UTC(),
		Topic:           row.Destination,
		StreamKey:       row.StreamID,
	})

	env := transport.Envelope{
		Payload: row.EventData,
		Hops:    hops,
	}
	if id, err := ids.ParseID(row.MessageID); err == nil {
		env.MessageID = id
	}

	timer := metrics.NewTimer()
	err := w.transport.Publish(ctx, env, row.Destination)
	timer.ObserveDurationVec(metrics.PublishDuration, row.Destination)
	if err == nil {
		metrics.PublishTotal.WithLabelValues(row.Destination, "ok").Inc()
		w.strategy.QueueOutboxCompletion(row.MessageID, storage.StatusStored|storage.StatusPublished)
		return
	}

	if row.Attempts+1 >= w.cfg.MaxAttempts {
		metrics.PublishTotal.WithLabelValues(row.Destination, "max_attempts").Inc()
		w.strategy.QueueOutboxFailure(row.MessageID, storage.StatusStored, storage.FailureMaxAttemptsExceeded, err.Error(), true)
		return
	}
	metrics.PublishTotal.WithLabelValues(row.Destination, "error").Inc()
	w.strategy.QueueOutboxFailure(row.MessageID, storage.StatusStored, storage.FailureTransportException, err.Error(), true)
}
