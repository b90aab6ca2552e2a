package replicator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/internal/primary"
	"github.com/jfoltran/replicator/internal/queue"
	"github.com/jfoltran/replicator/internal/replicamgr"
	"github.com/jfoltran/replicator/internal/secondary"
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

func testOp(seq int64) *operation.Operation {
	return operation.New(
		operation.Metadata{Type: operation.Normal, SequenceNumber: lsn.LSN(seq)},
		epoch.Epoch{ConfigurationNumber: 1},
		operation.NewBuffers([][]byte{[]byte("x")}),
		nil,
	)
}

func newTestReplicator(t *testing.T) *Replicator {
	t.Helper()
	cfg := Config{
		Primary: primary.Config{
			QueueConfig:   queue.Config{InitialSize: 8, CleanOnComplete: true},
			ManagerConfig: replicamgr.Config{SenderConfig: sender.Config{RetryInterval: 50 * time.Millisecond}},
		},
		Secondary: secondary.Config{
			Replication: secondary.ReplicationConfig{QueueConfig: queue.Config{InitialSize: 8}},
		},
	}
	cb := Callbacks{
		OpenTransport: func(peerID string) sender.SendFunc {
			return func(ctx context.Context, op *operation.Operation) error { return nil }
		},
		CopySend:    func(peerID string, payload wire.CopyOperationPayload) error { return nil },
		SendReplAck: func(a wire.AckPayload) {},
	}
	r := New(cfg, nopProvider{}, cb, zerolog.Nop())
	if err := r.Open(1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestOpenThenChangeRoleToPrimary(t *testing.T) {
	r := newTestReplicator(t)
	if r.State() != StateOpened {
		t.Fatalf("State() = %v, want Opened", r.State())
	}

	if err := r.ChangeRole(context.Background(), RolePrimary, epoch.Epoch{ConfigurationNumber: 1}); err != nil {
		t.Fatalf("ChangeRole: %v", err)
	}
	if r.State() != StatePrimary || r.Role() != RolePrimary {
		t.Fatalf("State/Role = %v/%v, want Primary/Primary", r.State(), r.Role())
	}
	if r.Primary() == nil {
		t.Fatal("expected a primary role object")
	}
}

func TestChangeRoleRejectsNonIncreasingEpoch(t *testing.T) {
	r := newTestReplicator(t)
	if err := r.ChangeRole(context.Background(), RolePrimary, epoch.Epoch{ConfigurationNumber: 1}); err != nil {
		t.Fatalf("ChangeRole: %v", err)
	}
	if err := r.ChangeRole(context.Background(), RoleActive, epoch.Epoch{ConfigurationNumber: 1}); err == nil {
		t.Fatal("expected error changing role with a non-increasing epoch")
	}
}

func TestChangeRoleCarriesLSNForward(t *testing.T) {
	r := newTestReplicator(t)
	if err := r.ChangeRole(context.Background(), RolePrimary, epoch.Epoch{ConfigurationNumber: 1}); err != nil {
		t.Fatalf("ChangeRole to Primary: %v", err)
	}

	// No replicas are configured, so Replicate blocks on quorum; run it in
	// the background and move on to the role change.
	go func() { _ = r.Replicate(context.Background(), testOp(1)) }()
	time.Sleep(10 * time.Millisecond)

	before := r.Primary().LastLSN()
	if err := r.ChangeRole(context.Background(), RoleActive, epoch.Epoch{ConfigurationNumber: 2}); err != nil {
		t.Fatalf("ChangeRole to Active: %v", err)
	}
	if r.Secondary() == nil {
		t.Fatal("expected a secondary role object")
	}
	if got := r.Secondary().LastLSN(); got != before {
		t.Fatalf("Secondary().LastLSN() = %d, want %d (carried over from primary)", got, before)
	}
}

func TestReplicateFailsWhenNotPrimary(t *testing.T) {
	r := newTestReplicator(t)
	if err := r.Replicate(context.Background(), testOp(1)); err == nil {
		t.Fatal("expected error replicating while RoleNone")
	}
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	r := newTestReplicator(t)
	if err := r.ChangeRole(context.Background(), RolePrimary, epoch.Epoch{ConfigurationNumber: 1}); err != nil {
		t.Fatalf("ChangeRole: %v", err)
	}
	r.Close()
	r.Close()
	if r.State() != StateClosed {
		t.Fatalf("State() = %v, want Closed", r.State())
	}
	if r.Primary() != nil {
		t.Fatal("expected primary role object to be cleared after Close")
	}
}

func TestAbortDiscardsActiveRole(t *testing.T) {
	r := newTestReplicator(t)
	if err := r.ChangeRole(context.Background(), RolePrimary, epoch.Epoch{ConfigurationNumber: 1}); err != nil {
		t.Fatalf("ChangeRole: %v", err)
	}
	r.Abort()
	if r.State() != StateAborted {
		t.Fatalf("State() = %v, want Aborted", r.State())
	}
}
