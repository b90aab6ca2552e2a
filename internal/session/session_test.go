package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/internal/sender"
	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

func testOp(seq int64) *operation.Operation {
	return operation.New(
		operation.Metadata{Type: operation.Normal, SequenceNumber: lsn.LSN(seq)},
		epoch.Epoch{ConfigurationNumber: 1},
		operation.NewBuffers([][]byte{[]byte("x")}),
		nil,
	)
}

func TestUpdateAckProgressInvokesCallbackOnProgress(t *testing.T) {
	s := New("peer-1", sender.Config{RetryInterval: 50 * time.Millisecond}, zerolog.Nop())
	s.Open(func(ctx context.Context, op *operation.Operation) error { return nil })
	defer s.Close()

	calls := 0
	s.UpdateAckProgress(5, 3, nil, nil, "msg-1", func() { calls++ })
	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1 on first progress", calls)
	}
	if got := s.ReceiveAckLSN(); got != 5 {
		t.Fatalf("ReceiveAckLSN() = %d, want 5", got)
	}
	if got := s.QuorumAckLSN(); got != 3 {
		t.Fatalf("QuorumAckLSN() = %d, want 3", got)
	}

	// Repeating the same ack must not invoke the callback again.
	s.UpdateAckProgress(5, 3, nil, nil, "msg-1", func() { calls++ })
	if calls != 1 {
		t.Fatalf("callback invoked %d times after stale repeat, want still 1", calls)
	}
}

func TestUpdateAckProgressWithCopyProgress(t *testing.T) {
	s := New("peer-1", sender.Config{RetryInterval: 50 * time.Millisecond}, zerolog.Nop())
	s.Open(func(ctx context.Context, op *operation.Operation) error { return nil })
	defer s.Close()

	cr, cq := lsn.LSN(10), lsn.LSN(8)
	s.UpdateAckProgress(0, 0, &cr, &cq, "", nil)
	gotR, gotQ := s.CopyProgress()
	if gotR != 10 || gotQ != 8 {
		t.Fatalf("CopyProgress() = (%d, %d), want (10, 8)", gotR, gotQ)
	}
}

func TestOnPromoteToActiveSecondaryResetsAverages(t *testing.T) {
	s := New("peer-1", sender.Config{RetryInterval: 50 * time.Millisecond}, zerolog.Nop())
	s.Open(func(ctx context.Context, op *operation.Operation) error { return nil })
	defer s.Close()

	s.RecordReceiveAckLatency(500 * time.Millisecond)
	if s.ReceiveAckDuration() == 0 {
		t.Fatal("expected a nonzero receive-ack duration before promotion")
	}

	s.OnPromoteToActiveSecondary()
	if got := s.ReceiveAckDuration(); got != 0 {
		t.Fatalf("ReceiveAckDuration() after promotion = %v, want 0", got)
	}
	if s.Role() != RoleActive {
		t.Fatal("expected role Active after promotion")
	}
	if !s.IsPromotedToActive() {
		t.Fatal("expected IsPromotedToActive() true")
	}
}

func TestFaultStopsTransmission(t *testing.T) {
	s := New("peer-1", sender.Config{RetryInterval: 10 * time.Millisecond}, zerolog.Nop())
	attempts := 0
	s.Open(func(ctx context.Context, op *operation.Operation) error {
		attempts++
		return nil
	})
	defer s.Close()

	s.Fault("slow ack")
	if !s.IsFaulted() {
		t.Fatal("expected IsFaulted() true")
	}
	if got := s.FaultReason(); got != "slow ack" {
		t.Fatalf("FaultReason() = %q, want %q", got, "slow ack")
	}

	before := attempts
	s.AddReplicateOperations([]*operation.Operation{testOp(1)}, 0)
	if attempts != before {
		t.Fatal("expected no send attempts after faulting")
	}
}

func TestFaultIsIdempotent(t *testing.T) {
	s := New("peer-1", sender.Config{RetryInterval: 50 * time.Millisecond}, zerolog.Nop())
	s.Open(func(ctx context.Context, op *operation.Operation) error { return nil })
	defer s.Close()

	s.Fault("first")
	s.Fault("second")
	if got := s.FaultReason(); got != "first" {
		t.Fatalf("FaultReason() = %q, want first fault reason to stick", got)
	}
}

func TestFaultRepeatsInduceFaultUntilReincarnated(t *testing.T) {
	s := New("peer-1", sender.Config{RetryInterval: 10 * time.Millisecond}, zerolog.Nop())
	s.Open(func(ctx context.Context, op *operation.Operation) error { return nil })
	defer s.Close()

	var count int32
	var mu sync.Mutex
	s.SetInduceFaultSender(func(reason string) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	s.Fault("slow ack")

	time.Sleep(35 * time.Millisecond)
	mu.Lock()
	seen := count
	mu.Unlock()
	if seen < 2 {
		t.Fatalf("induce-fault sent %d times in 35ms at a 10ms cadence, want >= 2", seen)
	}

	s.Reincarnated()
	mu.Lock()
	afterStop := count
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	final := count
	mu.Unlock()
	if final != afterStop {
		t.Fatalf("induce-fault kept firing after Reincarnated: %d -> %d", afterStop, final)
	}
}

func TestMustCatchUpFlag(t *testing.T) {
	s := New("peer-1", sender.Config{RetryInterval: 50 * time.Millisecond}, zerolog.Nop())
	s.Open(func(ctx context.Context, op *operation.Operation) error { return nil })
	defer s.Close()

	if s.MustCatchUp() {
		t.Fatal("expected MustCatchUp() false by default")
	}
	s.SetMustCatchUp(true)
	if !s.MustCatchUp() {
		t.Fatal("expected MustCatchUp() true after SetMustCatchUp(true)")
	}
}
