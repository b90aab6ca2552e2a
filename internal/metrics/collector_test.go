package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/pkg/lsn"
)

func TestCollector_RoleAndStateTracking(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.SetRole("Primary")
	c.SetState("Primary")
	c.SetEpoch("{1 1}")

	snap := c.Snapshot()
	if snap.Role != "Primary" {
		t.Errorf("Role = %q, want Primary", snap.Role)
	}
	if snap.State != "Primary" {
		t.Errorf("State = %q, want Primary", snap.State)
	}
	if snap.Epoch != "{1 1}" {
		t.Errorf("Epoch = %q, want {1 1}", snap.Epoch)
	}
}

func TestCollector_ProgressTracking(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.RecordProgress(lsn.LSN(100), lsn.LSN(90), lsn.LSN(80))

	snap := c.Snapshot()
	if snap.CommittedLSN != lsn.LSN(100).String() {
		t.Errorf("CommittedLSN = %q, want %q", snap.CommittedLSN, lsn.LSN(100).String())
	}
	if snap.LagOps != 20 {
		t.Errorf("LagOps = %d, want 20", snap.LagOps)
	}
}

func TestCollector_ProgressTracking_NoNegativeLag(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.RecordProgress(lsn.LSN(50), lsn.LSN(50), lsn.LSN(50))

	snap := c.Snapshot()
	if snap.LagOps != 0 {
		t.Errorf("LagOps = %d, want 0", snap.LagOps)
	}
}

func TestCollector_ReplicaStatus(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.RecordReplicaAck("replica-1", lsn.LSN(42))
	snap := c.Snapshot()
	if len(snap.Replicas) != 1 {
		t.Fatalf("Replicas count = %d, want 1", len(snap.Replicas))
	}
	if snap.Replicas[0].ID != "replica-1" || snap.Replicas[0].AckedLSN != lsn.LSN(42).String() {
		t.Errorf("unexpected replica status: %+v", snap.Replicas[0])
	}

	c.RemoveReplica("replica-1")
	snap = c.Snapshot()
	if len(snap.Replicas) != 0 {
		t.Errorf("Replicas count = %d, want 0 after removal", len(snap.Replicas))
	}
}

func TestCollector_FaultTracking(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.RecordFault(nil)
	snap := c.Snapshot()
	if snap.FaultCount != 1 {
		t.Errorf("FaultCount = %d, want 1", snap.FaultCount)
	}

	c.RecordFault(fmt.Errorf("test error"))
	snap = c.Snapshot()
	if snap.FaultCount != 2 {
		t.Errorf("FaultCount = %d, want 2", snap.FaultCount)
	}
	if snap.LastError != "test error" {
		t.Errorf("LastError = %q, want 'test error'", snap.LastError)
	}
}

func TestCollector_ThroughputCounters(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.RecordOperations(50, 2048)
	c.RecordOperations(30, 1024)

	snap := c.Snapshot()
	if snap.TotalOps != 80 {
		t.Errorf("TotalOps = %d, want 80", snap.TotalOps)
	}
	if snap.TotalBytes != 3072 {
		t.Errorf("TotalBytes = %d, want 3072", snap.TotalBytes)
	}
}

func TestCollector_LogBuffer(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: fmt.Sprintf("log %d", i),
		})
	}

	logs := c.Logs()
	if len(logs) != 10 {
		t.Errorf("expected 10 logs, got %d", len(logs))
	}
}

func TestCollector_LogBufferEviction(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	for i := 0; i < 600; i++ {
		c.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: fmt.Sprintf("log %d", i),
		})
	}

	logs := c.Logs()
	if len(logs) > 500 {
		t.Errorf("log buffer should not exceed capacity, got %d", len(logs))
	}
}

func TestCollector_SubscribeUnsubscribe(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	ch := c.Subscribe()
	c.Unsubscribe(ch)

	// Should not panic or deadlock.
	c.SetState("Closed")
}

func TestCollector_Elapsed(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	time.Sleep(50 * time.Millisecond)
	snap := c.Snapshot()
	if snap.ElapsedSec < 0.04 {
		t.Errorf("ElapsedSec = %f, expected > 0.04", snap.ElapsedSec)
	}
}

func TestSlidingWindow_Rate(t *testing.T) {
	w := newSlidingWindow(5 * time.Second)
	now := time.Now()

	w.Add(now.Add(-3*time.Second), 30)
	w.Add(now.Add(-2*time.Second), 20)
	w.Add(now.Add(-1*time.Second), 10)

	rate := w.Rate()
	if rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Eviction(t *testing.T) {
	w := newSlidingWindow(100 * time.Millisecond)
	now := time.Now()

	w.Add(now.Add(-200*time.Millisecond), 100)
	w.Add(now, 50)

	rate := w.Rate()
	// The old entry should be evicted, leaving only the 50 entry.
	if rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Empty(t *testing.T) {
	w := newSlidingWindow(time.Second)
	if r := w.Rate(); r != 0 {
		t.Errorf("Rate() on empty window = %f, want 0", r)
	}
}
