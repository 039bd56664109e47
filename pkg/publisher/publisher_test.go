package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/workcoord/pkg/coordinator"
	"github.com/cuemby/workcoord/pkg/storage"
	"github.com/cuemby/workcoord/pkg/transport"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T) (*Worker, *coordinator.Strategy, transport.Transport, chan transport.Envelope) {
	t.Helper()
	store, err := storage.NewMemStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	strategy := coordinator.New(store, coordinator.Options{InstanceID: "inst-a"})
	broker := transport.NewInProcessBroker()
	t.Cleanup(func() { _ = broker.Close() })

	received := make(chan transport.Envelope, 4)
	_, err = broker.Subscribe("orders", func(ctx context.Context, env transport.Envelope) error {
		received <- env
		return nil
	})
	require.NoError(t, err)

	w := New(strategy, broker, Config{Workers: 2})
	return w, strategy, broker, received
}

func TestCycleDeliversClaimedOutboxRowsAndCompletes(t *testing.T) {
	w, strategy, _, received := newTestWorker(t)
	ctx := context.Background()

	strategy.QueueOutboxMessage(storage.OutboxInsert{
		MessageID: "m1", Destination: "orders", EventData: []byte(`{"ok":true}`),
	})

	require.NoError(t, w.cycle(ctx))

	select {
	case env := <-received:
		require.Equal(t, []byte(`{"ok":true}`), env.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}

	counts, err := strategy.Flush(ctx)
	require.NoError(t, err)
	require.Empty(t, counts.OutboxWork)
}

func TestPublishOneFailsClosedWithoutPublishSubscribeCapability(t *testing.T) {
	w, strategy, _, _ := newTestWorker(t)
	ctx := context.Background()

	w.transport = noPublishSubscribeTransport{w.transport}

	row := storage.OutboxRow{MessageID: "m1", Destination: "orders"}
	w.publishOne(ctx, row)

	result, err := strategy.Flush(ctx)
	require.NoError(t, err)
	require.Empty(t, result.OutboxWork)
}

type noPublishSubscribeTransport struct {
	transport.Transport
}

func (noPublishSubscribeTransport) Capabilities() transport.Capability { return 0 }

// orderRecordingTransport serializes nothing itself; it records the order
// Publish was called in so the test can tell whether the worker preserved
// per-stream ordering despite using multiple goroutines.
type orderRecordingTransport struct {
	transport.Transport
	mu   sync.Mutex
	seen []string
}

func (t *orderRecordingTransport) Publish(ctx context.Context, env transport.Envelope, destination string) error {
	t.mu.Lock()
	t.seen = append(t.seen, string(env.Payload))
	t.mu.Unlock()
	return t.Transport.Publish(ctx, env, destination)
}

func TestCyclePreservesPerStreamPublishOrder(t *testing.T) {
	w, strategy, broker, _ := newTestWorker(t)
	ctx := context.Background()

	recorder := &orderRecordingTransport{Transport: broker}
	w.transport = recorder

	for i := 1; i <= 5; i++ {
		strategy.QueueOutboxMessage(storage.OutboxInsert{
			MessageID:   "m" + string(rune('0'+i)),
			Destination: "orders",
			StreamID:    "order-1",
			EventData:   []byte{byte('0' + i)},
		})
	}

	require.NoError(t, w.cycle(ctx))
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, recorder.seen)
}
