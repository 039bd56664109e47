package storage

// OutboxInsert is a queued outbox row awaiting its next flush.
type OutboxInsert struct {
	MessageID    string
	Destination  string
	MessageType  string
	EnvelopeType string
	EventData    []byte
	Metadata     []byte
	Scope        []byte
	StreamID     string
	IsEvent      bool
}

// OutboxCompletion marks an outbox row's successful transition, e.g. to
// StatusStored|StatusPublished.
type OutboxCompletion struct {
	MessageID       string
	CompletedStatus Status
}

// OutboxFailure marks a partial or terminal outbox failure. ConsumesAttempt
// is false for FailureTransportNotReady per the decided open question in
// SPEC_FULL.md §9.
type OutboxFailure struct {
	MessageID       string
	PartialStatus   Status
	Error           string
	FailureReason   FailureReason
	ConsumesAttempt bool
}

// PerspectiveEventInsert is a queued perspective-event row, populated
// when an event arrives on a stream that some perspective subscribes to.
type PerspectiveEventInsert struct {
	EventWorkID     string
	StreamID        string
	PerspectiveName string
	EventID         string
	SequenceNumber  int64
}

// InboxInsert is a queued inbox row, keyed by (MessageID, HandlerName).
type InboxInsert struct {
	MessageID    string
	HandlerName  string
	Destination  string
	MessageType  string
	EnvelopeType string
	EventData    []byte
	Metadata     []byte
	Scope        []byte
	StreamID     string
	IsEvent      bool
}

// InboxCompletion marks an inbox row's successful transition.
type InboxCompletion struct {
	MessageID       string
	HandlerName     string
	CompletedStatus Status
}

// InboxFailure marks a partial or terminal inbox failure.
type InboxFailure struct {
	MessageID       string
	HandlerName     string
	PartialStatus   Status
	Error           string
	FailureReason   FailureReason
	ConsumesAttempt bool
}

// PerspectiveCompletion is the queued form of a
// complete_perspective_checkpoint_work call, issued as its own flush step
// per the decided open question in SPEC_FULL.md §9.
type PerspectiveCompletion struct {
	StreamID        string
	PerspectiveName string
	LastEventID     string
	Status          CheckpointStatus
	Error           string
}

// BatchRequest is everything a single flush submits to process_work_batch.
type BatchRequest struct {
	InstanceID             string
	OutboxInserts          []OutboxInsert
	OutboxCompletions      []OutboxCompletion
	OutboxFailures         []OutboxFailure
	InboxInserts           []InboxInsert
	InboxCompletions       []InboxCompletion
	InboxFailures          []InboxFailure
	PerspectiveInserts     []PerspectiveEventInsert
	PerspectiveCompletions []PerspectiveCompletion
	LeaseSeconds           int
	PartitionCount         int
	StaleCutoffSeconds     int
	BatchSize              int
	DebugMode              bool
}

// BatchResult is what process_work_batch hands back: work newly claimed
// by the calling instance, tagged with why it was returned.
type BatchResult struct {
	OutboxWork      []OutboxRow
	InboxWork       []InboxRow
	PerspectiveWork []PerspectiveEventRow
}

// MessageAssociation declares that handler (or perspective) subscribes to
// a message type, reconciled against the database at startup by
// RegisterMessageAssociations.
type MessageAssociation struct {
	MessageType     string
	HandlerName     string
	PerspectiveName string
}
