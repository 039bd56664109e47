package ids

import "time"

// HopType distinguishes a hop that records forward progress of the
// envelope ("Current") from one that records an ancestor the envelope
// was caused by ("Causation"). Current-accessors on MessageEnvelope
// only ever consider Current hops.
type HopType int

const (
	HopCurrent HopType = iota
	HopCausation
)

func (t HopType) String() string {
	if t == HopCausation {
		return "Causation"
	}
	return "Current"
}

// Hop is one entry in an envelope's journey log.
type Hop struct {
	Type            HopType
	ServiceInstance string
	Timestamp       time.Time

	Topic             string
	StreamKey         string
	PartitionIndex    *int
	SequenceNumber    *int64
	ExecutionStrategy string
	SecurityContext   string
	Trail             string

	Metadata         map[string]any
	PolicyDecisions  []PolicyDecision
	CallerMember     string
	CallerFile       string
	CallerLine       int
	Duration         time.Duration

	CausationID   string
	CausationType string
}

// PolicyDecision records one policy evaluation outcome attached to a hop.
type PolicyDecision struct {
	Name      string
	Allowed   bool
	Reason    string
	DecidedAt time.Time
}

// IsCurrent reports whether this hop is eligible for current-accessors.
func (h Hop) IsCurrent() bool {
	return h.Type == HopCurrent
}
