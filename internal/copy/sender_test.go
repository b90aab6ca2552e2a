package copy

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/stateprovider"
	"github.com/jfoltran/replicator/internal/wire"
	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

type fakeStream struct {
	blobs [][][]byte
	i     int
}

func (f *fakeStream) Next(ctx context.Context) ([][]byte, error) {
	if f.i >= len(f.blobs) {
		return nil, io.EOF
	}
	b := f.blobs[f.i]
	f.i++
	return b, nil
}
func (f *fakeStream) Close() error { return nil }

type fakeProvider struct {
	blobs [][][]byte
}

func (p *fakeProvider) GetLastCommittedSequenceNumber(ctx context.Context) (lsn.LSN, error) {
	return 0, nil
}
func (p *fakeProvider) UpdateEpoch(ctx context.Context, e epoch.Epoch, prevLast lsn.LSN) error {
	return nil
}
func (p *fakeProvider) GetCopyContext(ctx context.Context) (stateprovider.OperationDataStream, error) {
	return nil, nil
}
func (p *fakeProvider) GetCopyState(ctx context.Context, upToLSN lsn.LSN, ctxStream stateprovider.OperationDataStream) (stateprovider.OperationDataStream, error) {
	return &fakeStream{blobs: p.blobs}, nil
}
func (p *fakeProvider) OnDataLoss(ctx context.Context) (bool, error) { return false, nil }
func (p *fakeProvider) SupportsCopyUntilLatestLSN() bool             { return true }

func TestSenderStreamsAllOperationsThenTerminator(t *testing.T) {
	provider := &fakeProvider{blobs: [][][]byte{
		{[]byte("a")},
		{[]byte("b"), []byte("c")},
	}}

	var sent []wire.CopyOperationPayload
	send := func(ctx context.Context, p wire.CopyOperationPayload) error {
		sent = append(sent, p)
		return nil
	}

	s := NewSender("replica-1", epoch.Epoch{ConfigurationNumber: 1}, provider, send, true, zerolog.Nop())
	if err := s.Start(context.Background(), 100, 50); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(sent) != 3 { // 2 data ops + 1 terminator
		t.Fatalf("sent %d payloads, want 3", len(sent))
	}
	if !sent[2].IsLast {
		t.Fatal("expected final payload to be marked IsLast")
	}
	if len(sent[2].Buffers) != 0 {
		t.Fatal("expected terminator payload to carry no buffers")
	}

	if s.Machine.State() != LSNSet {
		t.Fatalf("state = %s, want LSNSet (waitForReplAck=true)", s.Machine.State())
	}
	if s.Machine.LastReplicationLSN() != 50 {
		t.Fatalf("LastReplicationLSN() = %d, want 50", s.Machine.LastReplicationLSN())
	}

	s.OnReceiveAck()
	if !s.OnReplicationProgress(50) {
		t.Fatal("expected OnReplicationProgress(50) to complete the replication wait")
	}
	if !s.Done() {
		t.Fatal("expected Done() true after receive-ack and replication catch-up")
	}
}

func TestSenderPropagatesSendFailure(t *testing.T) {
	provider := &fakeProvider{blobs: [][][]byte{{[]byte("a")}}}
	boom := io.ErrClosedPipe
	send := func(ctx context.Context, p wire.CopyOperationPayload) error { return boom }

	s := NewSender("replica-1", epoch.Epoch{}, provider, send, true, zerolog.Nop())
	if err := s.Start(context.Background(), 10, 10); err != boom {
		t.Fatalf("Start error = %v, want %v", err, boom)
	}
	if s.Machine.State() != Completed {
		t.Fatalf("state = %s, want Completed after failed enumeration", s.Machine.State())
	}
}
