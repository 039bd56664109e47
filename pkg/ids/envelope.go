package ids

import (
	"errors"
	"fmt"
	"time"
)

// MessageEnvelope is the shape of a message in flight: a typed payload
// plus an ordered sequence of hops recording its journey. Every envelope
// has at least one hop; the first hop fixes MessageTimestamp,
// CorrelationID and the initial CausationID.
type MessageEnvelope[T any] struct {
	MessageID     ID
	CorrelationID ID

	Payload T
	Hops    []Hop
}

// ErrNoHops is returned by Validate when an envelope has zero hops,
// violating the data-model invariant that every envelope has at least one.
var ErrNoHops = errors.New("ids: envelope must have at least one hop")

// Validate checks the envelope's structural invariants: at least one
// hop, and every hop carrying a non-empty ServiceInstance and a non-zero
// Timestamp.
func (e *MessageEnvelope[T]) Validate() error {
	if len(e.Hops) == 0 {
		return ErrNoHops
	}
	for i, h := range e.Hops {
		if h.ServiceInstance == "" {
			return fmt.Errorf("ids: hop %d: ServiceInstance is required", i)
		}
		if h.Timestamp.IsZero() {
			return fmt.Errorf("ids: hop %d: Timestamp is required", i)
		}
	}
	return nil
}

// EnvelopeBuilder assembles a MessageEnvelope one hop at a time.
type EnvelopeBuilder[T any] struct {
	envelope MessageEnvelope[T]
}

// NewEnvelopeBuilder starts building an envelope with the given payload
// and first hop. The first hop's Timestamp, if zero, defaults to now;
// a fresh MessageID and CorrelationID are minted.
func NewEnvelopeBuilder[T any](payload T, firstHop Hop) *EnvelopeBuilder[T] {
	if firstHop.Timestamp.IsZero() {
		firstHop.Timestamp = time.Now().UTC()
	}
	return &EnvelopeBuilder[T]{
		envelope: MessageEnvelope[T]{
			MessageID:     NewMessageID(),
			CorrelationID: NewCorrelationID(),
			Payload:       payload,
			Hops:          []Hop{firstHop},
		},
	}
}

// WithMessageID overrides the generated message id, e.g. when
// reconstructing an envelope already assigned an id by an outbox row.
func (b *EnvelopeBuilder[T]) WithMessageID(id ID) *EnvelopeBuilder[T] {
	b.envelope.MessageID = id
	return b
}

// WithCorrelationID overrides the generated correlation id.
func (b *EnvelopeBuilder[T]) WithCorrelationID(id ID) *EnvelopeBuilder[T] {
	b.envelope.CorrelationID = id
	return b
}

// AddHop appends a hop to the envelope's journey, defaulting its
// Timestamp to now if unset.
func (b *EnvelopeBuilder[T]) AddHop(h Hop) *EnvelopeBuilder[T] {
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	b.envelope.Hops = append(b.envelope.Hops, h)
	return b
}

// Build finalizes the envelope. It does not validate; call Validate on
// the result if the caller needs to enforce invariants before use.
func (b *EnvelopeBuilder[T]) Build() *MessageEnvelope[T] {
	return &b.envelope
}

// AddHop appends a hop to an already-built envelope, e.g. when a worker
// stamps its own hop before publishing or after receiving.
func (e *MessageEnvelope[T]) AddHop(h Hop) {
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	e.Hops = append(e.Hops, h)
}

func (e *MessageEnvelope[T]) currentHops() []Hop {
	out := make([]Hop, 0, len(e.Hops))
	for _, h := range e.Hops {
		if h.IsCurrent() {
			out = append(out, h)
		}
	}
	return out
}

// CurrentTopic returns the most recent non-empty Topic among Current hops.
func (e *MessageEnvelope[T]) CurrentTopic() string {
	for i := len(e.Hops) - 1; i >= 0; i-- {
		h := e.Hops[i]
		if h.IsCurrent() && h.Topic != "" {
			return h.Topic
		}
	}
	return ""
}

// CurrentStreamKey returns the most recent non-empty StreamKey among Current hops.
func (e *MessageEnvelope[T]) CurrentStreamKey() string {
	for i := len(e.Hops) - 1; i >= 0; i-- {
		h := e.Hops[i]
		if h.IsCurrent() && h.StreamKey != "" {
			return h.StreamKey
		}
	}
	return ""
}

// CurrentPartition returns the most recent non-nil PartitionIndex among Current hops.
func (e *MessageEnvelope[T]) CurrentPartition() *int {
	for i := len(e.Hops) - 1; i >= 0; i-- {
		h := e.Hops[i]
		if h.IsCurrent() && h.PartitionIndex != nil {
			return h.PartitionIndex
		}
	}
	return nil
}

// CurrentSequence returns the most recent non-nil SequenceNumber among Current hops.
func (e *MessageEnvelope[T]) CurrentSequence() *int64 {
	for i := len(e.Hops) - 1; i >= 0; i-- {
		h := e.Hops[i]
		if h.IsCurrent() && h.SequenceNumber != nil {
			return h.SequenceNumber
		}
	}
	return nil
}

// CurrentSecurityContext returns the most recent non-empty SecurityContext among Current hops.
func (e *MessageEnvelope[T]) CurrentSecurityContext() string {
	for i := len(e.Hops) - 1; i >= 0; i-- {
		h := e.Hops[i]
		if h.IsCurrent() && h.SecurityContext != "" {
			return h.SecurityContext
		}
	}
	return ""
}

// CurrentMetadata returns the most recent non-nil value for key k among
// Current hops' Metadata maps, and whether any hop carried that key.
func (e *MessageEnvelope[T]) CurrentMetadata(k string) (any, bool) {
	for i := len(e.Hops) - 1; i >= 0; i-- {
		h := e.Hops[i]
		if !h.IsCurrent() || h.Metadata == nil {
			continue
		}
		if v, ok := h.Metadata[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// GetAllMetadata folds later hops over earlier hops across Current hops
// only (later wins on key collision); Causation hops never contribute.
func (e *MessageEnvelope[T]) GetAllMetadata() map[string]any {
	out := make(map[string]any)
	for _, h := range e.currentHops() {
		for k, v := range h.Metadata {
			out[k] = v
		}
	}
	return out
}

// GetAllPolicyDecisions returns every policy decision recorded across all
// hops (Current and Causation alike) in chronological order.
func (e *MessageEnvelope[T]) GetAllPolicyDecisions() []PolicyDecision {
	var out []PolicyDecision
	for _, h := range e.Hops {
		out = append(out, h.PolicyDecisions...)
	}
	return out
}

// FirstHop returns the envelope's first hop, which fixes
// MessageTimestamp, CorrelationID and the initial CausationID.
func (e *MessageEnvelope[T]) FirstHop() Hop {
	return e.Hops[0]
}

// MessageTimestamp returns the timestamp fixed by the first hop.
func (e *MessageEnvelope[T]) MessageTimestamp() time.Time {
	return e.Hops[0].Timestamp
}
