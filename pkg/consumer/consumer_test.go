package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/workcoord/pkg/coordinator"
	"github.com/cuemby/workcoord/pkg/ids"
	"github.com/cuemby/workcoord/pkg/storage"
	"github.com/cuemby/workcoord/pkg/streams"
	"github.com/cuemby/workcoord/pkg/transport"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, receptor Receptor, registry *streams.Registry) (*Worker, storage.Store, *transport.InProcessBroker) {
	t.Helper()
	store, err := storage.NewMemStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := transport.NewInProcessBroker()
	t.Cleanup(func() { _ = broker.Close() })

	opts := coordinator.Options{InstanceID: "inst-a"}
	cfg := Config{Destination: "orders", HandlerName: "orders-handler"}
	w := New(store, opts, broker, cfg, receptor, nil, registry)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w, store, broker
}

func envelopeFor(payload []byte, streamID string) transport.Envelope {
	return transport.Envelope{
		MessageID: ids.NewGUIDv7(),
		Payload:   payload,
		Hops: []ids.Hop{{
			Type:      ids.HopCurrent,
			StreamKey: streamID,
			Timestamp: time.Now().UTC(),
		}},
	}
}

func TestHandleInvokesReceptorOnceForNewEnvelope(t *testing.T) {
	calls := 0
	receptor := func(ctx context.Context, payload []byte, hops []ids.Hop) ([]storage.OutboxInsert, error) {
		calls++
		return nil, nil
	}
	w, _, broker := newTestWorker(t, receptor, nil)

	env := envelopeFor([]byte(`{}`), "stream-1")
	require.NoError(t, w.handle(context.Background(), env))
	require.Equal(t, 1, calls)

	_ = broker
}

func TestHandleIsIdempotentOnRedelivery(t *testing.T) {
	calls := 0
	receptor := func(ctx context.Context, payload []byte, hops []ids.Hop) ([]storage.OutboxInsert, error) {
		calls++
		return nil, nil
	}
	w, _, _ := newTestWorker(t, receptor, nil)

	env := envelopeFor([]byte(`{}`), "stream-1")
	env.MessageID = ids.NewGUIDv7()

	require.NoError(t, w.handle(context.Background(), env))
	require.NoError(t, w.handle(context.Background(), env))
	require.Equal(t, 1, calls)
}

func TestHandleSkipsIneligibleStreamWithoutInvokingReceptor(t *testing.T) {
	calls := 0
	receptor := func(ctx context.Context, payload []byte, hops []ids.Hop) ([]storage.OutboxInsert, error) {
		calls++
		return nil, nil
	}
	store, err := storage.NewMemStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := streams.New(store, "inst-a", streams.Config{PartitionCount: 1, RefreshEvery: time.Hour})
	// Never started: rank stays -1, activeCount 0, so Eligible is always false.

	broker := transport.NewInProcessBroker()
	t.Cleanup(func() { _ = broker.Close() })
	opts := coordinator.Options{InstanceID: "inst-a"}
	cfg := Config{Destination: "orders", HandlerName: "orders-handler"}
	w := New(store, opts, broker, cfg, receptor, nil, registry)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	env := envelopeFor([]byte(`{}`), "stream-1")
	require.NoError(t, w.handle(context.Background(), env))
	require.Equal(t, 0, calls)
}
