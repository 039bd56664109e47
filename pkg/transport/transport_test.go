package transport

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/workcoord/pkg/ids"
	"github.com/stretchr/testify/require"
)

func TestInProcessBrokerPublishSubscribe(t *testing.T) {
	b := NewInProcessBroker()
	defer b.Close()

	received := make(chan Envelope, 1)
	sub, err := b.Subscribe("orders", func(ctx context.Context, env Envelope) error {
		received <- env
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	env := Envelope{MessageID: ids.NewGUIDv7(), Payload: []byte("hello")}
	require.NoError(t, b.Publish(context.Background(), env, "orders"))

	select {
	case got := <-received:
		require.Equal(t, env.MessageID, got.MessageID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestInProcessBrokerLacksRequestResponse(t *testing.T) {
	b := NewInProcessBroker()
	defer b.Close()
	require.False(t, b.Capabilities().Has(RequestResponse))

	_, err := b.SendRequest(context.Background(), Envelope{}, "orders")
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestInProcessBrokerPreservesPublishOrderPerDestination(t *testing.T) {
	b := NewInProcessBroker()
	defer b.Close()

	received := make(chan Envelope, 10)
	_, err := b.Subscribe("orders", func(ctx context.Context, env Envelope) error {
		received <- env
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		env := Envelope{Payload: []byte{byte(i)}}
		require.NoError(t, b.Publish(context.Background(), env, "orders"))
	}

	for i := 0; i < 10; i++ {
		select {
		case got := <-received:
			require.Equal(t, []byte{byte(i)}, got.Payload)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
}

func TestInProcessBrokerClosed(t *testing.T) {
	b := NewInProcessBroker()
	require.False(t, b.Closed())
	require.NoError(t, b.Close())
	require.True(t, b.Closed())
}

func TestRequestFallsBackThroughReplySubscription(t *testing.T) {
	b := NewInProcessBroker()
	defer b.Close()

	_, err := b.Subscribe("orders", func(ctx context.Context, env Envelope) error {
		reply := Envelope{MessageID: ids.NewGUIDv7(), Payload: []byte("ack")}
		return b.Publish(ctx, reply, "orders/reply/"+env.MessageID.String())
	})
	require.NoError(t, err)

	req := Envelope{MessageID: ids.NewGUIDv7(), Payload: []byte("ping")}
	reply, err := Request(context.Background(), b, req, "orders", time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("ack"), reply.Payload)
}
