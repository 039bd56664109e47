// Package consumer subscribes to a transport destination and drives
// received envelopes through the inbox state machine (SPEC_FULL.md
// §4.7): idempotent receive, receptor invocation, and perspective
// lifecycle hooks, all before the handling scope is torn down.
package consumer

import (
	"context"
	"encoding/json"

	"github.com/cuemby/workcoord/pkg/coordinator"
	"github.com/cuemby/workcoord/pkg/ids"
	"github.com/cuemby/workcoord/pkg/log"
	"github.com/cuemby/workcoord/pkg/metrics"
	"github.com/cuemby/workcoord/pkg/storage"
	"github.com/cuemby/workcoord/pkg/streams"
	"github.com/cuemby/workcoord/pkg/transport"
	"github.com/rs/zerolog"
)

// Receptor is the external collaborator invoked once an envelope has
// been durably recorded in the inbox. It returns any outbox messages
// the handler produced as a side effect (e.g. a resulting domain
// event), which the consumer queues in the same scope before flushing.
type Receptor func(ctx context.Context, payload []byte, hops []ids.Hop) ([]storage.OutboxInsert, error)

// PerspectiveHook runs perspective lifecycle activation for an envelope
// before the handling scope is disposed (the §8 S6 regression property).
type PerspectiveHook func(ctx context.Context, streamID, eventID string, sequenceNumber int64) error

// Config names the destination to subscribe on and which handler/
// perspective this consumer represents for idempotent-receive bookkeeping.
type Config struct {
	Destination     string
	HandlerName     string
	MaxAttempts     int
	PerspectiveName string
}

// Worker is one subscription, one receptor, driving the inbox state
// machine through a fresh Strategy per received envelope.
type Worker struct {
	store     storage.Store
	opts      coordinator.Options
	transport transport.Transport
	cfg       Config
	receptor  Receptor
	hook      PerspectiveHook
	registry  *streams.Registry
	logger    zerolog.Logger

	sub transport.Subscription
}

// New builds a consumer Worker. hook may be nil if this destination
// carries no perspective-relevant events. registry may be nil; when set,
// an envelope whose stream falls in a partition this instance is not
// currently eligible for is acknowledged (handle returns nil) without
// being inbox-inserted or passed to the receptor.
func New(store storage.Store, opts coordinator.Options, t transport.Transport, cfg Config, receptor Receptor, hook PerspectiveHook, registry *streams.Registry) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Worker{
		store:     store,
		opts:      opts,
		transport: t,
		cfg:       cfg,
		receptor:  receptor,
		hook:      hook,
		registry:  registry,
		logger:    log.WithComponent("consumer"),
	}
}

// Start subscribes to the configured destination.
func (w *Worker) Start(ctx context.Context) error {
	sub, err := w.transport.Subscribe(w.cfg.Destination, w.handle)
	if err != nil {
		return err
	}
	w.sub = sub
	return nil
}

// Stop unsubscribes from the transport.
func (w *Worker) Stop() {
	if w.sub != nil {
		w.sub.Unsubscribe()
	}
}

func (w *Worker) handle(ctx context.Context, env transport.Envelope) error {
	// Fresh scope: a Strategy of our own, not shared with the publisher
	// or other consumer goroutines, so its flushes are self-contained.
	strategy := coordinator.New(w.store, w.opts)

	streamID := ""
	var sequenceNumber int64
	for i := len(env.Hops) - 1; i >= 0; i-- {
		h := env.Hops[i]
		if !h.IsCurrent() {
			continue
		}
		if streamID == "" && h.StreamKey != "" {
			streamID = h.StreamKey
		}
		if sequenceNumber == 0 && h.SequenceNumber != nil {
			sequenceNumber = *h.SequenceNumber
		}
	}

	if w.registry != nil && streamID != "" {
		if partition, ok := w.registry.Partition(streamID); ok && !w.registry.Eligible(partition) {
			metrics.ConsumeTotal.WithLabelValues(w.cfg.Destination, "not_eligible").Inc()
			return nil
		}
	}

	metadata, _ := json.Marshal(env.Hops)
	strategy.QueueInboxMessage(storage.InboxInsert{
		MessageID:   env.MessageID.String(),
		HandlerName: w.cfg.HandlerName,
		Destination: w.cfg.Destination,
		EventData:   env.Payload,
		Metadata:    metadata,
		StreamID:    streamID,
		IsEvent:     w.hook != nil,
	})

	result, err := strategy.Flush(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("inbox flush failed")
		return err
	}
	if len(result.InboxWork) == 0 {
		// Already stored: duplicate redelivery. Acknowledge without
		// invoking the receptor or any perspective hook.
		metrics.ConsumeTotal.WithLabelValues(w.cfg.Destination, "duplicate").Inc()
		return nil
	}
	row := result.InboxWork[0]

	produced, err := w.receptor(ctx, env.Payload, env.Hops)
	if err != nil {
		metrics.ConsumeTotal.WithLabelValues(w.cfg.Destination, "receptor_error").Inc()
		reason := storage.FailureValidationError
		consumesAttempt := true
		if row.Attempts+1 >= w.cfg.MaxAttempts {
			reason = storage.FailureMaxAttemptsExceeded
		}
		strategy.QueueInboxFailure(row.MessageID, row.HandlerName, 0, reason, err.Error(), consumesAttempt)
		_, flushErr := strategy.Flush(ctx)
		return flushErr
	}

	for _, ins := range produced {
		strategy.QueueOutboxMessage(ins)
	}

	if w.hook != nil && streamID != "" {
		if err := w.hook(ctx, streamID, env.MessageID.String(), sequenceNumber); err != nil {
			w.logger.Error().Err(err).Str("stream_id", streamID).Msg("perspective hook failed")
		}
	}

	strategy.QueueInboxCompletion(row.MessageID, row.HandlerName, storage.StatusStored|storage.StatusEventStored)
	_, err = strategy.Flush(ctx)
	if err != nil {
		metrics.ConsumeTotal.WithLabelValues(w.cfg.Destination, "flush_error").Inc()
		return err
	}
	metrics.ConsumeTotal.WithLabelValues(w.cfg.Destination, "ok").Inc()
	return nil
}
