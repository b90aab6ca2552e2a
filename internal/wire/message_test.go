package wire

import (
	"encoding/json"
	"testing"

	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

func TestMessageRoundTripsReplicationOperation(t *testing.T) {
	orig := Message{
		From:   FromHeader{Address: "10.0.0.1:9000", EndpointID: "primary-1"},
		Actor:  ActorHeader{EndpointID: "replica-2"},
		Action: ActionHeader{Name: ActionReplicationOperation},
		MsgID:  MessageIDHeader{ID: "batch-1", Index: 3},
		Payload: ReplicationOperationPayload{
			SequenceNumber: 42,
			LastInBatch:    true,
			Epoch:          epoch.Epoch{ConfigurationNumber: 1},
			CompletedLSN:   40,
			SegmentSizes:   []int{3},
			Buffers:        [][]byte{[]byte("abc")},
		},
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	payload, ok := got.Payload.(*ReplicationOperationPayload)
	if !ok {
		t.Fatalf("Payload type = %T, want *ReplicationOperationPayload", got.Payload)
	}
	if payload.SequenceNumber != lsn.LSN(42) || !payload.LastInBatch || payload.CompletedLSN != 40 {
		t.Fatalf("payload = %+v, want the original fields preserved", payload)
	}
	if got.From.EndpointID != "primary-1" || got.Actor.EndpointID != "replica-2" {
		t.Fatalf("headers not preserved: From=%+v Actor=%+v", got.From, got.Actor)
	}
}

func TestMessageRoundTripsAck(t *testing.T) {
	orig := Message{
		Action:  ActionHeader{Name: ActionReplicationAck},
		Payload: NewAck(10, 8),
	}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	ack, ok := got.Payload.(*AckPayload)
	if !ok {
		t.Fatalf("Payload type = %T, want *AckPayload", got.Payload)
	}
	if ack.ReplicationReceivedLSN != 10 || ack.ReplicationQuorumLSN != 8 {
		t.Fatalf("ack = %+v, want received=10 quorum=8", ack)
	}
	if ack.CopyReceivedLSN != lsn.NonInitialized {
		t.Fatalf("CopyReceivedLSN = %d, want NonInitialized", ack.CopyReceivedLSN)
	}
}

func TestMessageUnmarshalUnknownActionFails(t *testing.T) {
	var got Message
	err := json.Unmarshal([]byte(`{"Action":{"Name":99},"Payload":{}}`), &got)
	if err == nil {
		t.Fatal("expected an error decoding an unrecognized action")
	}
}
