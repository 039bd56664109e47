package storage

import "time"

// OutboxRow is a row produced locally, awaiting transport publication.
type OutboxRow struct {
	MessageID      string
	Destination    string
	MessageType    string
	EnvelopeType   string
	EventData      []byte // jsonb
	Metadata       []byte // jsonb
	Scope          []byte // jsonb, optional
	StreamID       string
	PartitionNumber *int
	IsEvent        bool

	Status        Status
	Attempts      int
	Error         string
	FailureReason FailureReason

	InstanceID   string
	LeaseExpiry  *time.Time
	ScheduledFor *time.Time

	CreatedAt   time.Time
	PublishedAt *time.Time
	ProcessedAt *time.Time

	ClaimFlag ClaimFlag
}

// InboxRow is a row received from a transport, awaiting local processing.
// Primary key is (MessageID, HandlerName): one row per receptor per message.
type InboxRow struct {
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

	Status        Status
	Attempts      int
	Error         string
	FailureReason FailureReason

	InstanceID   string
	LeaseExpiry  *time.Time
	ScheduledFor *time.Time

	ReceivedAt  time.Time
	ProcessedAt *time.Time

	ClaimFlag ClaimFlag
}

// PerspectiveEventRow is one unit of projection work.
type PerspectiveEventRow struct {
	EventWorkID     string
	StreamID        string
	PerspectiveName string
	EventID         string
	SequenceNumber  int64

	Status   Status
	Attempts int

	InstanceID  string
	LeaseExpiry *time.Time

	CreatedAt   time.Time
	ProcessedAt *time.Time

	ClaimFlag ClaimFlag
}

// CheckpointStatus is a bitmask on PerspectiveCheckpointRow.
type CheckpointStatus int

const (
	CheckpointCompleted  CheckpointStatus = 1 << 0
	CheckpointCatchingUp CheckpointStatus = 1 << 1
)

// Has reports whether all bits in mask are set in c.
func (c CheckpointStatus) Has(mask CheckpointStatus) bool {
	return c&mask == mask
}

// Without returns c with mask's bits cleared.
func (c CheckpointStatus) Without(mask CheckpointStatus) CheckpointStatus {
	return c &^ mask
}

// PerspectiveCheckpointRow tracks projection progress for one
// (stream_id, perspective_name) pair.
type PerspectiveCheckpointRow struct {
	StreamID        string
	PerspectiveName string
	LastEventID     string
	Status          CheckpointStatus
	Error           string
	ProcessedAt     *time.Time
}

// ActiveStreamRow is the ephemeral ownership record for a stream with
// pending work in any of the three queues.
type ActiveStreamRow struct {
	StreamID           string
	PartitionNumber    int
	AssignedInstanceID string
	LeaseExpiry        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ServiceInstanceRow records one running process's identity and liveness.
type ServiceInstanceRow struct {
	InstanceID      string
	ServiceName     string
	HostName        string
	ProcessID       int
	LastHeartbeatAt time.Time
	Active          bool
}
