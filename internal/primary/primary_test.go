package primary

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/internal/queue"
	"github.com/jfoltran/replicator/internal/replicamgr"
	"github.com/jfoltran/replicator/internal/sender"
	"github.com/jfoltran/replicator/internal/stateprovider"
	"github.com/jfoltran/replicator/internal/wire"
	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

type nopProvider struct{}

func (nopProvider) GetLastCommittedSequenceNumber(ctx context.Context) (lsn.LSN, error) {
	return 0, nil
}
func (nopProvider) UpdateEpoch(ctx context.Context, e epoch.Epoch, prevLast lsn.LSN) error {
	return nil
}
func (nopProvider) GetCopyContext(ctx context.Context) (stateprovider.OperationDataStream, error) {
	return nil, nil
}
func (nopProvider) GetCopyState(ctx context.Context, upToLSN lsn.LSN, ctxStream stateprovider.OperationDataStream) (stateprovider.OperationDataStream, error) {
	return nil, nil
}
func (nopProvider) OnDataLoss(ctx context.Context) (bool, error) { return false, nil }
func (nopProvider) SupportsCopyUntilLatestLSN() bool             { return true }

func newTestReplicator(t *testing.T) *Replicator {
	t.Helper()
	cfg := Config{
		QueueConfig:   queue.Config{InitialSize: 8, CleanOnComplete: true},
		ManagerConfig: replicamgr.Config{SenderConfig: sender.Config{RetryInterval: 50 * time.Millisecond}},
	}
	r := New(cfg, 1, epoch.Epoch{ConfigurationNumber: 1}, nopProvider{},
		func(peerID string) sender.SendFunc {
			return func(ctx context.Context, op *operation.Operation) error { return nil }
		},
		func(peerID string, payload wire.CopyOperationPayload) error { return nil },
		nil,
		zerolog.Nop(),
	)
	t.Cleanup(r.Close)
	return r
}

func testOp(seq int64) *operation.Operation {
	return operation.New(
		operation.Metadata{Type: operation.Normal, SequenceNumber: lsn.LSN(seq)},
		epoch.Epoch{ConfigurationNumber: 1},
		operation.NewBuffers([][]byte{[]byte("x")}),
		nil,
	)
}

func TestReplicateAndAckFanOut(t *testing.T) {
	r := newTestReplicator(t)
	if err := r.UpdateConfiguration([]replicamgr.ReplicaDescriptor{{ID: "a", InitialProgress: 0}}, 2, nil, 0); err != nil {
		t.Fatalf("UpdateConfiguration: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- r.Replicate(context.Background(), testOp(1)) }()

	time.Sleep(10 * time.Millisecond)
	ack := wire.NewAck(1, 1)
	if err := r.OnAckReceived("a", ack, "m1"); err != nil {
		t.Fatalf("OnAckReceived: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Replicate() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Replicate did not complete after ack")
	}
}

func TestUpdateEpochRejectsNonIncreasing(t *testing.T) {
	r := newTestReplicator(t)
	if err := r.UpdateEpoch(epoch.Epoch{ConfigurationNumber: 1}); err == nil {
		t.Fatal("expected error updating to a non-increasing epoch")
	}
	if err := r.UpdateEpoch(epoch.Epoch{ConfigurationNumber: 2}); err != nil {
		t.Fatalf("UpdateEpoch to a higher epoch: %v", err)
	}
}

func TestReplicateFailsWhileClosing(t *testing.T) {
	r := newTestReplicator(t)
	r.Close()
	if err := r.Replicate(context.Background(), testOp(1)); err == nil {
		t.Fatal("expected error replicating after Close")
	}
}
