package replicamgr

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/internal/sender"
	"github.com/jfoltran/replicator/internal/session"
)

func newTestSession(t *testing.T, id string) *session.Session {
	t.Helper()
	s := session.New(id, sender.Config{RetryInterval: time.Second}, zerolog.Nop())
	s.Open(func(ctx context.Context, op *operation.Operation) error { return nil })
	t.Cleanup(s.Close)
	return s
}

func TestComputeQuorumTwoOfThree(t *testing.T) {
	a := newTestSession(t, "a")
	b := newTestSession(t, "b")
	c := newTestSession(t, "c")

	a.UpdateAckProgress(10, 10, nil, nil, "", nil)
	b.UpdateAckProgress(8, 8, nil, nil, "", nil)
	c.UpdateAckProgress(5, 5, nil, nil, "", nil)

	p := computeQuorum([]*session.Session{a, b, c}, 3, 10)
	// quorum 3: primary + 2 replica acks. idx = quorum-2 = 1 -> second
	// highest apply-ack among [10, 8, 5] is 8.
	if p.committed != 8 {
		t.Fatalf("committed = %d, want 8", p.committed)
	}
	if p.allAcked != 5 {
		t.Fatalf("allAcked = %d, want 5 (slowest)", p.allAcked)
	}
}

func TestComputeQuorumExcludesFaultedFromCompleted(t *testing.T) {
	a := newTestSession(t, "a")
	b := newTestSession(t, "b")

	a.UpdateAckProgress(10, 10, nil, nil, "", nil)
	b.UpdateAckProgress(1, 1, nil, nil, "", nil)
	b.Fault("stuck")

	p := computeQuorum([]*session.Session{a, b}, 2, 10)
	if p.completed != 10 {
		t.Fatalf("completed = %d, want 10 (faulted peer excluded)", p.completed)
	}
}

func TestComputeQuorumEmptyActivesWithQuorumOne(t *testing.T) {
	p := computeQuorum(nil, 1, 42)
	if p.committed != 42 {
		t.Fatalf("committed = %d, want 42 (primary alone satisfies quorum 1)", p.committed)
	}
}

func TestReduceTakesMinimumOfCCAndPC(t *testing.T) {
	cc := progress{committed: 20, completed: 15, allAcked: 10}
	pc := progress{committed: 12, completed: 18, allAcked: 5}
	got := reduce(cc, &pc)
	if got.committed != 12 || got.completed != 15 || got.allAcked != 5 {
		t.Fatalf("reduce() = %+v, want min-wise combination", got)
	}
}

func TestReduceWithNilPCReturnsCC(t *testing.T) {
	cc := progress{committed: 20, completed: 15, allAcked: 10}
	got := reduce(cc, nil)
	if got != cc {
		t.Fatalf("reduce(cc, nil) = %+v, want %+v", got, cc)
	}
}

func TestClampToIdleLowerBound(t *testing.T) {
	idle := newTestSession(t, "idle-1")
	idle.UpdateAckProgress(3, 0, nil, nil, "", nil)

	got := clampToIdleLowerBound(10, []*session.Session{idle})
	if got != 3 {
		t.Fatalf("clampToIdleLowerBound() = %d, want 3", got)
	}
}

func TestSlowestByReceiveAckDuration(t *testing.T) {
	a := newTestSession(t, "a")
	b := newTestSession(t, "b")
	a.RecordReceiveAckLatency(10 * time.Millisecond)
	b.RecordReceiveAckLatency(200 * time.Millisecond)

	got := slowestByReceiveAckDuration([]*session.Session{a, b})
	if got.ID != "b" {
		t.Fatalf("slowest = %s, want b", got.ID)
	}
}
