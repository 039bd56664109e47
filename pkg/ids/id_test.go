package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGUIDv7Provenance(t *testing.T) {
	id := NewGUIDv7()
	assert.Equal(t, ProvenanceGeneratedV7, id.Provenance)
	assert.False(t, id.IsZero())
}

func TestNewGUIDv7Ordering(t *testing.T) {
	a := NewGUIDv7()
	b := NewGUIDv7()
	assert.True(t, a.String() <= b.String(), "uuidv7 values should sort in generation order")
}

func TestParseID(t *testing.T) {
	a := NewGUIDv7()
	parsed, err := ParseID(a.String())
	require.NoError(t, err)
	assert.Equal(t, a.Value, parsed.Value)
	assert.Equal(t, ProvenanceParsedV7, parsed.Provenance)
}

func TestParseExternalID(t *testing.T) {
	a := NewGUIDv7()
	parsed, err := ParseExternalID(a.String())
	require.NoError(t, err)
	assert.Equal(t, ProvenanceExternalV7, parsed.Provenance)
}

func TestParseIDInvalid(t *testing.T) {
	_, err := ParseID("not-a-uuid")
	assert.Error(t, err)
}
