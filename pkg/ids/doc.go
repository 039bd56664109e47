/*
Package ids mints and parses the identifiers used throughout the work
coordinator, and defines the message envelope that carries a payload plus
its hop history end-to-end.

Every message_id, stream_id, event_id and instance_id is a UUIDv7: the
upper 48 bits are a millisecond timestamp, so values generated by
NewGUIDv7 sort naturally on insertion order. Values are wrapped in ID
together with a Provenance tag recording whether they were generated
locally, parsed from a trusted string, received from an external caller,
or (rarely) a random V4 fallback.

MessageEnvelope is built with EnvelopeBuilder: start from a payload and a
first hop, then AddHop for every subsequent step the message takes.
Accessors prefixed Current (CurrentTopic, CurrentStreamKey, ...) only
consider hops tagged HopCurrent; hops tagged HopCausation record
ancestry and are invisible to those accessors but still contribute to
GetAllPolicyDecisions.
*/
package ids
