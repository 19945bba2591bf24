// Package eventlog implements the append-only coordination log: an
// integrity-checked, totally ordered record of every state-changing fact
// in the broker. Events are CBOR-encoded, CRC-framed, HMAC-signed, and
// written to rolling segment files with fsync before acknowledgement.
package eventlog

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Kind is the closed enumeration of event types. Projections and
// subsystems switch on these; unknown kinds are rejected at append time.
type Kind string

const (
	// Speed layer
	KindCommandReceived  Kind = "COMMAND_RECEIVED"
	KindCommandApproved  Kind = "COMMAND_APPROVED"
	KindCommandBlocked   Kind = "COMMAND_BLOCKED"
	KindCommandEscalated Kind = "COMMAND_ESCALATED"

	// Expert coordination
	KindExpertRegistered Kind = "EXPERT_REGISTERED"
	KindExpertDelegated  Kind = "EXPERT_DELEGATED"
	KindExpertCompleted  Kind = "EXPERT_COMPLETED"
	KindExpertOffline    Kind = "EXPERT_OFFLINE"

	// Elicitation lifecycle
	KindElicitationCreated   Kind = "ELICITATION_CREATED"
	KindElicitationDelivered Kind = "ELICITATION_DELIVERED"
	KindElicitationResponded Kind = "ELICITATION_RESPONDED"
	KindElicitationExpired   Kind = "ELICITATION_EXPIRED"
	KindElicitationCancelled Kind = "ELICITATION_CANCELLED"

	// Project state
	KindFileModified    Kind = "FILE_MODIFIED"
	KindAnnotationAdded Kind = "ANNOTATION_ADDED"
	KindSnapshotTaken   Kind = "SNAPSHOT_TAKEN"

	// Identity and sessions
	KindAgentJoined          Kind = "AGENT_JOINED"
	KindAgentLeft            Kind = "AGENT_LEFT"
	KindSessionCreated       Kind = "SESSION_CREATED"
	KindSessionExpired       Kind = "SESSION_EXPIRED"
	KindSessionRevoked       Kind = "SESSION_REVOKED"
	KindSessionHijackAttempt Kind = "SESSION_HIJACK_ATTEMPT"

	// Operational / security
	KindSecurityAlert      Kind = "SECURITY_ALERT"
	KindSubscriberDropped  Kind = "SUBSCRIBER_DROPPED"
	KindIntegrityViolation Kind = "INTEGRITY_VIOLATION"
)

var validKinds = map[Kind]struct{}{
	KindCommandReceived: {}, KindCommandApproved: {}, KindCommandBlocked: {},
	KindCommandEscalated: {}, KindExpertRegistered: {}, KindExpertDelegated: {},
	KindExpertCompleted: {}, KindExpertOffline: {}, KindElicitationCreated: {},
	KindElicitationDelivered: {}, KindElicitationResponded: {}, KindElicitationExpired: {},
	KindElicitationCancelled: {}, KindFileModified: {}, KindAnnotationAdded: {},
	KindSnapshotTaken: {}, KindAgentJoined: {}, KindAgentLeft: {},
	KindSessionCreated: {}, KindSessionExpired: {}, KindSessionRevoked: {},
	KindSessionHijackAttempt: {}, KindSecurityAlert: {}, KindSubscriberDropped: {},
	KindIntegrityViolation: {},
}

// Valid reports whether k is part of the closed enumeration.
func (k Kind) Valid() bool {
	_, ok := validKinds[k]
	return ok
}

// Event is the atomic unit of the log. Payload holds the CBOR encoding
// of the caller's structured data; Signature is an HMAC over the
// serialized body bound to the appending agent.
type Event struct {
	ID            string    `cbor:"1,keyasint"`
	Sequence      uint64    `cbor:"2,keyasint"`
	Kind          Kind      `cbor:"3,keyasint"`
	AggregateID   string    `cbor:"4,keyasint"`
	Payload       []byte    `cbor:"5,keyasint"`
	AgentID       string    `cbor:"6,keyasint"`
	Timestamp     time.Time `cbor:"7,keyasint"`
	CorrelationID string    `cbor:"8,keyasint,omitempty"`
	CausationID   string    `cbor:"9,keyasint,omitempty"`
	Signature     []byte    `cbor:"10,keyasint,omitempty"`
}

// EncodePayload serializes structured payload data to its canonical
// CBOR form. Core-deterministic encoding keeps replay byte-stable.
func EncodePayload(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// DecodePayload deserializes an event payload into out.
func DecodePayload(data []byte, out interface{}) error {
	return cbor.Unmarshal(data, out)
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}

// Filter narrows a query or subscription. Zero values mean "no
// constraint" except Limit, where 0 means unlimited.
type Filter struct {
	AggregateID string
	Kinds       []Kind
	FromSeq     uint64
	ToSeq       uint64 // inclusive; 0 = open-ended
	From        time.Time
	To          time.Time
	Limit       int
}

// Match reports whether e passes the filter.
func (f *Filter) Match(e *Event) bool {
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.FromSeq > 0 && e.Sequence < f.FromSeq {
		return false
	}
	if f.ToSeq > 0 && e.Sequence > f.ToSeq {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
