package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	Value string
}

func TestEnvelopeRequiresAtLeastOneHop(t *testing.T) {
	env := &MessageEnvelope[orderPlaced]{Payload: orderPlaced{Value: "x"}}
	err := env.Validate()
	assert.ErrorIs(t, err, ErrNoHops)
}

func TestEnvelopeBuilderDefaultsFirstHopTimestamp(t *testing.T) {
	env := NewEnvelopeBuilder(orderPlaced{Value: "x"}, Hop{
		Type:            HopCurrent,
		ServiceInstance: "svc-1",
	}).Build()

	require.NoError(t, env.Validate())
	assert.False(t, env.MessageTimestamp().IsZero())
	assert.False(t, env.MessageID.IsZero())
	assert.False(t, env.CorrelationID.IsZero())
}

func TestCurrentAccessorsIgnoreCausationHops(t *testing.T) {
	ancestorTopic := "ancestor-topic"
	currentTopic := "orders"
	seq := int64(7)

	env := NewEnvelopeBuilder(orderPlaced{Value: "x"}, Hop{
		Type:            HopCausation,
		ServiceInstance: "svc-0",
		Topic:           ancestorTopic,
	}).AddHop(Hop{
		Type:            HopCurrent,
		ServiceInstance: "svc-1",
		Topic:           currentTopic,
		SequenceNumber:  &seq,
	}).Build()

	assert.Equal(t, currentTopic, env.CurrentTopic())
	require.NotNil(t, env.CurrentSequence())
	assert.Equal(t, seq, *env.CurrentSequence())
}

func TestCurrentMetadataMostRecentWins(t *testing.T) {
	env := NewEnvelopeBuilder(orderPlaced{Value: "x"}, Hop{
		Type:            HopCurrent,
		ServiceInstance: "svc-1",
		Metadata:        map[string]any{"tenant": "a", "retries": 0},
	}).AddHop(Hop{
		Type:            HopCurrent,
		ServiceInstance: "svc-2",
		Metadata:        map[string]any{"tenant": "b"},
	}).Build()

	v, ok := env.CurrentMetadata("tenant")
	require.True(t, ok)
	assert.Equal(t, "b", v)

	v, ok = env.CurrentMetadata("retries")
	require.True(t, ok)
	assert.Equal(t, 0, v)
}

func TestGetAllMetadataFoldsCurrentHopsOnly(t *testing.T) {
	env := NewEnvelopeBuilder(orderPlaced{Value: "x"}, Hop{
		Type:            HopCausation,
		ServiceInstance: "svc-0",
		Metadata:        map[string]any{"from_causation": true, "shared": "ancestor"},
	}).AddHop(Hop{
		Type:            HopCurrent,
		ServiceInstance: "svc-1",
		Metadata:        map[string]any{"shared": "current", "a": 1},
	}).Build()

	all := env.GetAllMetadata()
	assert.Equal(t, "current", all["shared"])
	assert.Equal(t, 1, all["a"])
	_, hasCausationKey := all["from_causation"]
	assert.False(t, hasCausationKey)
}

func TestGetAllPolicyDecisionsChronological(t *testing.T) {
	t0 := time.Now().Add(-time.Minute)
	t1 := time.Now()

	env := NewEnvelopeBuilder(orderPlaced{Value: "x"}, Hop{
		Type:            HopCurrent,
		ServiceInstance: "svc-1",
		Timestamp:       t0,
		PolicyDecisions: []PolicyDecision{{Name: "rate-limit", Allowed: true, DecidedAt: t0}},
	}).AddHop(Hop{
		Type:            HopCurrent,
		ServiceInstance: "svc-2",
		Timestamp:       t1,
		PolicyDecisions: []PolicyDecision{{Name: "authz", Allowed: false, DecidedAt: t1}},
	}).Build()

	decisions := env.GetAllPolicyDecisions()
	require.Len(t, decisions, 2)
	assert.Equal(t, "rate-limit", decisions[0].Name)
	assert.Equal(t, "authz", decisions[1].Name)
}
