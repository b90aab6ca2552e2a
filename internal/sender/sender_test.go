package sender

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/operation"
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

func TestAddSendsImmediately(t *testing.T) {
	var sent int32
	s := New(Config{RetryInterval: 50 * time.Millisecond}, zerolog.Nop())
	s.Open(func(ctx context.Context, op *operation.Operation) error {
		atomic.AddInt32(&sent, 1)
		return nil
	})
	defer s.Close()

	s.Add(testOp(1))
	if atomic.LoadInt32(&sent) != 1 {
		t.Fatalf("sent = %d, want 1 immediate send", sent)
	}
}

func TestProcessAckRetiresPending(t *testing.T) {
	s := New(Config{RetryInterval: 50 * time.Millisecond}, zerolog.Nop())
	s.Open(func(ctx context.Context, op *operation.Operation) error { return nil })
	defer s.Close()

	s.Add(testOp(1))
	s.Add(testOp(2))
	s.Add(testOp(3))
	if got := s.Pending(); got != 3 {
		t.Fatalf("pending = %d, want 3", got)
	}

	s.ProcessAck(2)
	if got := s.Pending(); got != 1 {
		t.Fatalf("pending after ack = %d, want 1", got)
	}
	if got := s.State(); got != Sending && got != Armed {
		// Either is acceptable: LSN 3 is still outstanding.
		t.Fatalf("state = %v, want Sending or Armed", got)
	}

	s.ProcessAck(3)
	if got := s.Pending(); got != 0 {
		t.Fatalf("pending after full ack = %d, want 0", got)
	}
	if got := s.State(); got != Idle {
		t.Fatalf("state = %v, want Idle once fully acked", got)
	}
}

func TestProcessAckIsIdempotentAndMonotonic(t *testing.T) {
	s := New(Config{RetryInterval: 50 * time.Millisecond}, zerolog.Nop())
	s.Open(func(ctx context.Context, op *operation.Operation) error { return nil })
	defer s.Close()

	s.Add(testOp(1))
	s.ProcessAck(1)
	s.ProcessAck(1) // repeat, must not panic or misbehave
	s.ProcessAck(0) // stale, below lastAck: ignored

	if got := s.Pending(); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func TestRetryLoopRetriesUnacked(t *testing.T) {
	var attempts int32
	var mu sync.Mutex
	var gotSeqs []int64

	s := New(Config{RetryInterval: 20 * time.Millisecond}, zerolog.Nop())
	s.Open(func(ctx context.Context, op *operation.Operation) error {
		atomic.AddInt32(&attempts, 1)
		mu.Lock()
		gotSeqs = append(gotSeqs, int64(op.SequenceNumber()))
		mu.Unlock()
		return nil
	})
	defer s.Close()

	s.Add(testOp(1))
	time.Sleep(120 * time.Millisecond)

	if got := atomic.LoadInt32(&attempts); got < 2 {
		t.Fatalf("attempts = %d, want at least 2 retries within window", got)
	}
}

func TestAddIgnoresAlreadyAckedSequence(t *testing.T) {
	s := New(Config{RetryInterval: 50 * time.Millisecond}, zerolog.Nop())
	s.Open(func(ctx context.Context, op *operation.Operation) error { return nil })
	defer s.Close()

	s.Add(testOp(1))
	s.ProcessAck(1)
	s.Add(testOp(1)) // replay after reconnect: must be a no-op

	if got := s.Pending(); got != 0 {
		t.Fatalf("pending = %d, want 0 for replayed already-acked add", got)
	}
}

func TestRTTUpdatesAfterAck(t *testing.T) {
	s := New(Config{RetryInterval: 50 * time.Millisecond}, zerolog.Nop())
	s.Open(func(ctx context.Context, op *operation.Operation) error { return nil })
	defer s.Close()

	s.Add(testOp(1))
	time.Sleep(5 * time.Millisecond)
	s.ProcessAck(1)

	if got := s.RTT(); got <= 0 {
		t.Fatalf("RTT = %v, want > 0 after an acked round trip", got)
	}
}

func TestCloseStopsRetryLoop(t *testing.T) {
	var attempts int32
	s := New(Config{RetryInterval: 10 * time.Millisecond}, zerolog.Nop())
	s.Open(func(ctx context.Context, op *operation.Operation) error {
		atomic.AddInt32(&attempts, 1)
		return nil
	})

	s.Add(testOp(1))
	s.Close()

	afterClose := atomic.LoadInt32(&attempts)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&attempts); got != afterClose {
		t.Fatalf("attempts grew after Close from %d to %d", afterClose, got)
	}
}
