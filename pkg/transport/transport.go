// Package transport defines the interface the publisher, consumer and
// perspective workers depend on, and an in-process reference
// implementation used for local development and tests. Concrete
// transports (AMQP, Service Bus, Kafka) are out of scope; anything
// satisfying Transport works with the rest of the coordinator unchanged.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/workcoord/pkg/ids"
)

// Capability is a bitmask a Transport advertises so callers can decide
// whether a feature (e.g. request/response) is usable against it.
type Capability int

const (
	PublishSubscribe Capability = 1 << 0
	Reliable         Capability = 1 << 1
	Ordered          Capability = 1 << 2
	RequestResponse  Capability = 1 << 3
)

// Has reports whether all bits in mask are set in c.
func (c Capability) Has(mask Capability) bool {
	return c&mask == mask
}

// Envelope is the wire-facing view a Transport moves around: opaque
// payload bytes plus the ids.Hop history needed to reconstruct a
// MessageEnvelope[T] on the receiving side.
type Envelope struct {
	MessageID     ids.ID
	CorrelationID ids.ID
	PayloadType   string
	Payload       []byte
	Hops          []ids.Hop
}

// Handler is invoked once per received envelope. Returning an error
// leaves the message for redelivery per the transport's own semantics.
type Handler func(ctx context.Context, env Envelope) error

// Subscription is returned by Subscribe and lets the caller stop
// receiving without tearing down the whole transport.
type Subscription interface {
	Unsubscribe()
}

// Transport is the contract the publisher/consumer/perspective workers
// consume. A transport lacking RequestResponse should return
// ErrNotSupported from SendRequest; callers that need request/response
// against such a transport go through Request, which falls back to a
// reply subscription.
type Transport interface {
	Initialize(ctx context.Context) error
	Publish(ctx context.Context, env Envelope, destination string) error
	Subscribe(destination string, handler Handler) (Subscription, error)
	SendRequest(ctx context.Context, env Envelope, destination string) (Envelope, error)
	Capabilities() Capability
	Close() error
}

// ErrNotSupported is returned by SendRequest on a transport that does
// not advertise RequestResponse.
var ErrNotSupported = fmt.Errorf("transport: operation not supported")

// Request performs a request/response round trip against t, using its
// native SendRequest when RequestResponse is advertised and otherwise
// falling back to a correlate-by-id reply subscription (destination +
// "/reply/" + message id) that waits for one reply up to timeout (30s
// when timeout <= 0).
func Request(ctx context.Context, t Transport, env Envelope, destination string, timeout time.Duration) (Envelope, error) {
	if t.Capabilities().Has(RequestResponse) {
		return t.SendRequest(ctx, env, destination)
	}
	return requestFallback(ctx, t, env, destination, timeout)
}

func requestFallback(ctx context.Context, t Transport, env Envelope, destination string, timeout time.Duration) (Envelope, error) {
	replyTo := destination + "/reply/" + env.MessageID.String()
	replies := make(chan Envelope, 1)

	sub, err := t.Subscribe(replyTo, func(_ context.Context, reply Envelope) error {
		select {
		case replies <- reply:
		default:
		}
		return nil
	})
	if err != nil {
		return Envelope{}, err
	}
	defer sub.Unsubscribe()

	if err := t.Publish(ctx, env, destination); err != nil {
		return Envelope{}, err
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-time.After(timeout):
		return Envelope{}, fmt.Errorf("transport: request to %s timed out waiting on %s", destination, replyTo)
	}
}

// InProcessBroker is a reference Transport that routes published
// envelopes directly to in-process subscribers on the same destination.
// It advertises PublishSubscribe|Ordered: each destination has its own
// delivery queue drained by a single goroutine, so successive Publish
// calls against the same destination are observed by subscribers in the
// order they were published, not raced across independent goroutines.
// Every request/response call against it exercises the fallback path in
// Request, since it does not advertise RequestResponse.
type InProcessBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[*inProcessSub]struct{}
	queues      map[string]chan deliveryJob
	closed      bool
	wg          sync.WaitGroup
}

type inProcessSub struct {
	broker      *InProcessBroker
	destination string
	handler     Handler
}

type deliveryJob struct {
	ctx context.Context
	env Envelope
}

// NewInProcessBroker creates an empty broker.
func NewInProcessBroker() *InProcessBroker {
	return &InProcessBroker{
		subscribers: make(map[string]map[*inProcessSub]struct{}),
		queues:      make(map[string]chan deliveryJob),
	}
}

func (b *InProcessBroker) Initialize(ctx context.Context) error { return nil }

func (b *InProcessBroker) Capabilities() Capability {
	return PublishSubscribe | Ordered
}

func (b *InProcessBroker) Publish(ctx context.Context, env Envelope, destination string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("transport: broker closed")
	}
	q, ok := b.queues[destination]
	if !ok {
		q = make(chan deliveryJob, 256)
		b.queues[destination] = q
		b.wg.Add(1)
		go b.deliverLoop(destination, q)
	}
	b.mu.Unlock()

	select {
	case q <- deliveryJob{ctx: ctx, env: env}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverLoop drains one destination's queue in order, delivering each
// job to every current subscriber before moving on to the next, so
// ordering holds even though delivery itself runs off the Publish
// caller's goroutine.
func (b *InProcessBroker) deliverLoop(destination string, q chan deliveryJob) {
	defer b.wg.Done()
	for job := range q {
		b.mu.RLock()
		handlers := make([]Handler, 0, len(b.subscribers[destination]))
		for sub := range b.subscribers[destination] {
			handlers = append(handlers, sub.handler)
		}
		b.mu.RUnlock()
		for _, h := range handlers {
			_ = h(job.ctx, job.env)
		}
	}
}

func (b *InProcessBroker) Subscribe(destination string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("transport: broker closed")
	}
	sub := &inProcessSub{broker: b, destination: destination, handler: handler}
	if b.subscribers[destination] == nil {
		b.subscribers[destination] = make(map[*inProcessSub]struct{})
	}
	b.subscribers[destination][sub] = struct{}{}
	return sub, nil
}

func (s *inProcessSub) Unsubscribe() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	delete(s.broker.subscribers[s.destination], s)
}

// SendRequest is unsupported directly: InProcessBroker does not
// advertise RequestResponse, so callers reach it only through
// Request's fallback path, never this method.
func (b *InProcessBroker) SendRequest(ctx context.Context, env Envelope, destination string) (Envelope, error) {
	return Envelope{}, ErrNotSupported
}

// Closed reports whether Close has been called, used by the metrics
// readiness probe registered against a running broker.
func (b *InProcessBroker) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *InProcessBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subscribers = make(map[string]map[*inProcessSub]struct{})
	queues := b.queues
	b.queues = make(map[string]chan deliveryJob)
	b.mu.Unlock()

	for _, q := range queues {
		close(q)
	}
	b.wg.Wait()
	return nil
}
