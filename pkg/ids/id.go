// Package ids provides UUIDv7 identifier generation and parsing with
// provenance tracking, and the message envelope / hop types that travel
// with every outbox, inbox and perspective row.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// Provenance records how an ID value came to exist: whether it was
// generated locally, parsed from a wire string, or received from an
// external caller, and which UUID version it carries.
type Provenance int

const (
	// ProvenanceUnknown is the zero value; never produced by this package.
	ProvenanceUnknown Provenance = iota
	// ProvenanceGeneratedV7 marks an ID minted locally via NewGUIDv7.
	ProvenanceGeneratedV7
	// ProvenanceParsedV7 marks an ID parsed from a string known to be V7.
	ProvenanceParsedV7
	// ProvenanceExternalV7 marks a V7 ID that arrived from outside this process.
	ProvenanceExternalV7
	// ProvenanceRandomV4 marks a random (V4) ID, used where no natural
	// time-ordering is required.
	ProvenanceRandomV4
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceGeneratedV7:
		return "Generated|V7"
	case ProvenanceParsedV7:
		return "Parsed|V7"
	case ProvenanceExternalV7:
		return "External|V7"
	case ProvenanceRandomV4:
		return "Random|V4"
	default:
		return "Unknown"
	}
}

// ID is a UUIDv7 (or, rarely, UUIDv4) value paired with its provenance.
type ID struct {
	Value      uuid.UUID
	Provenance Provenance
}

// String returns the canonical string form of the underlying UUID.
func (i ID) String() string {
	return i.Value.String()
}

// IsZero reports whether the ID carries the nil UUID.
func (i ID) IsZero() bool {
	return i.Value == uuid.Nil
}

// NewGUIDv7 mints a fresh time-ordered identifier, tagged as locally generated.
func NewGUIDv7() ID {
	v, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the backing random source is broken;
		// fall back to V4 rather than panic in a hot path.
		return ID{Value: uuid.New(), Provenance: ProvenanceRandomV4}
	}
	return ID{Value: v, Provenance: ProvenanceGeneratedV7}
}

// NewMessageID is an alias for NewGUIDv7 used at message-creation call sites.
func NewMessageID() ID {
	return NewGUIDv7()
}

// NewCorrelationID is an alias for NewGUIDv7 used when starting a new
// causation chain.
func NewCorrelationID() ID {
	return NewGUIDv7()
}

// ParseID parses a string as a UUID, tagging it as locally-parsed.
// Use ParseExternalID for values that arrived over a transport.
func ParseID(s string) (ID, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("ids: parse %q: %w", s, err)
	}
	return ID{Value: v, Provenance: ProvenanceParsedV7}, nil
}

// ParseExternalID parses a string received from an external caller or
// transport, tagging its provenance accordingly so downstream code can
// distinguish self-issued from foreign identifiers when that matters
// (e.g. audit logging).
func ParseExternalID(s string) (ID, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("ids: parse external %q: %w", s, err)
	}
	return ID{Value: v, Provenance: ProvenanceExternalV7}, nil
}
