// Package wire defines the on-the-wire message shapes exchanged between a
// primary and its replicas. Framing, transport and encryption are a
// transport concern (internal/transport); this package only defines the
// headers and action payloads those bytes carry.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// Action identifies the payload kind carried by a Message.
type Action int

const (
	ActionReplicationOperation Action = iota
	ActionCopyOperation
	ActionCopyContextOperation
	ActionStartCopy
	ActionReplicationAck
	ActionCopyContextAck
	ActionRequestAck
	ActionInduceFault
)

// String returns the wire action name, matching what appears in logs and
// trace output.
func (a Action) String() string {
	switch a {
	case ActionReplicationOperation:
		return "ReplicationOperation"
	case ActionCopyOperation:
		return "CopyOperation"
	case ActionCopyContextOperation:
		return "CopyContextOperation"
	case ActionStartCopy:
		return "StartCopy"
	case ActionReplicationAck:
		return "ReplicationAck"
	case ActionCopyContextAck:
		return "CopyContextAck"
	case ActionRequestAck:
		return "RequestAck"
	case ActionInduceFault:
		return "InduceFault"
	default:
		return "Unknown"
	}
}

// FromHeader identifies the sender of a message.
type FromHeader struct {
	Address    string
	EndpointID string
}

// ActorHeader identifies which local actor (replica session) a message is
// addressed to.
type ActorHeader struct {
	EndpointID string
}

// ActionHeader names the action carried by a message, used for dispatch
// before the payload is decoded.
type ActionHeader struct {
	Name Action
}

// MessageIDHeader uniquely identifies a message for dedup and batch
// ordering; Index orders messages that share the same ID (a batch).
type MessageIDHeader struct {
	ID    string
	Index int64
}

// Message is the envelope every wire exchange shares, with Payload holding
// one of the Action-specific structs below.
type Message struct {
	From    FromHeader
	Actor   ActorHeader
	Action  ActionHeader
	MsgID   MessageIDHeader
	Payload any
}

// UnmarshalJSON decodes an envelope, selecting the concrete Payload type
// from the Action header. Payload is `any`, so encoding/json cannot pick
// its type on its own; ActionHeader.Name selects one of the seven payload
// structs below (ReplicationAck and CopyContextAck share AckPayload), and
// Payload is set to a pointer to that struct.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		From    FromHeader
		Actor   ActorHeader
		Action  ActionHeader
		MsgID   MessageIDHeader
		Payload json.RawMessage
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := decodePayload(raw.Action.Name, raw.Payload)
	if err != nil {
		return fmt.Errorf("wire: decode payload for action %s: %w", raw.Action.Name, err)
	}

	m.From = raw.From
	m.Actor = raw.Actor
	m.Action = raw.Action
	m.MsgID = raw.MsgID
	m.Payload = payload
	return nil
}

func decodePayload(action Action, raw json.RawMessage) (any, error) {
	var payload any
	switch action {
	case ActionReplicationOperation:
		payload = &ReplicationOperationPayload{}
	case ActionCopyOperation:
		payload = &CopyOperationPayload{}
	case ActionCopyContextOperation:
		payload = &CopyContextOperationPayload{}
	case ActionStartCopy:
		payload = &StartCopyPayload{}
	case ActionReplicationAck, ActionCopyContextAck:
		payload = &AckPayload{}
	case ActionRequestAck:
		payload = &RequestAckPayload{}
	case ActionInduceFault:
		payload = &InduceFaultPayload{}
	default:
		return nil, fmt.Errorf("unknown action %d", action)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// ReplicationOperationPayload carries one replication operation's metadata
// plus its buffers.
type ReplicationOperationPayload struct {
	SequenceNumber    lsn.LSN
	LastInBatch       bool
	Epoch             epoch.Epoch
	SourcePrimaryEpoch epoch.Epoch
	CompletedLSN      lsn.LSN
	OperationType     operation.Type
	AtomicGroupID     int64
	SegmentSizes      []int
	Buffers           [][]byte
}

// CopyOperationPayload carries one copy-stream operation.
type CopyOperationPayload struct {
	ReplicaID     string
	PrimaryEpoch  epoch.Epoch
	SequenceNumber lsn.LSN
	SegmentSizes  []int
	Buffers       [][]byte
	IsLast        bool
}

// CopyContextOperationPayload carries one copy-context operation from an
// idle secondary with persisted state, flowing primary-ward.
type CopyContextOperationPayload struct {
	SequenceNumber lsn.LSN
	SegmentSizes   []int
	Buffers        [][]byte
	IsLast         bool
}

// StartCopyPayload opens the build protocol for a session, advertising
// where replication will resume once copy completes.
type StartCopyPayload struct {
	ReplicationStartLSN lsn.LSN
	Epoch               epoch.Epoch
}

// AckPayload is the single ack shape shared by replication and copy-context
// acknowledgments. Unused LSN fields are lsn.NonInitialized.
type AckPayload struct {
	ReplicationReceivedLSN lsn.LSN
	ReplicationQuorumLSN   lsn.LSN
	CopyReceivedLSN        lsn.LSN
	CopyQuorumLSN          lsn.LSN
	ErrorCode              int32
}

// RequestAckPayload asks the peer to send an out-of-band ack immediately,
// used to probe liveness without waiting for the next batch.
type RequestAckPayload struct{}

// InduceFaultPayload is sent periodically to a session the primary has
// already faulted, to encourage the peer to recycle itself.
type InduceFaultPayload struct {
	Reason string
}

// NewAck builds an AckPayload with both copy fields defaulted to
// lsn.NonInitialized, matching peers that have no copy stream in progress.
func NewAck(replReceived, replQuorum lsn.LSN) AckPayload {
	return AckPayload{
		ReplicationReceivedLSN: replReceived,
		ReplicationQuorumLSN:   replQuorum,
		CopyReceivedLSN:        lsn.NonInitialized,
		CopyQuorumLSN:          lsn.NonInitialized,
	}
}
