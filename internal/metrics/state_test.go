package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/pkg/lsn"
)

func TestStatePersister_WriteAndRead(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.SetState("SecondaryActive")
	c.RecordProgress(lsn.LSN(100), lsn.LSN(100), lsn.LSN(90))

	tmpDir := t.TempDir()
	sp := &StatePersister{
		collector: c,
		logger:    zerolog.Nop(),
		path:      filepath.Join(tmpDir, "status.json"),
		done:      make(chan struct{}),
	}

	sp.write()

	data, err := os.ReadFile(sp.path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if snap.State != "SecondaryActive" {
		t.Errorf("State = %q, want SecondaryActive", snap.State)
	}
	if snap.LagOps != 10 {
		t.Errorf("LagOps = %d, want 10", snap.LagOps)
	}
}

func TestStatePersister_AtomicWrite(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "status.json")
	sp := &StatePersister{
		collector: c,
		logger:    zerolog.Nop(),
		path:      path,
		done:      make(chan struct{}),
	}

	sp.write()

	tmpFile := path + ".tmp"
	if _, err := os.Stat(tmpFile); !os.IsNotExist(err) {
		t.Error("temporary file should not exist after write")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("state file should exist: %v", err)
	}
}

func TestStatePersister_StartStop(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	tmpDir := t.TempDir()
	sp := &StatePersister{
		collector: c,
		logger:    zerolog.Nop(),
		path:      filepath.Join(tmpDir, "status.json"),
		done:      make(chan struct{}),
	}

	sp.Start()
	time.Sleep(100 * time.Millisecond)
	sp.Stop()

	// Double stop should not panic.
	sp.Stop()
}

func TestSnapshotJSON(t *testing.T) {
	snap := Snapshot{
		Timestamp: time.Now(),
		State:     "Primary",
		Replicas: []ReplicaStatus{
			{ID: "replica-1", AckedLSN: lsn.LSN(10).String()},
		},
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var decoded Snapshot
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if decoded.State != "Primary" {
		t.Errorf("State = %q, want Primary", decoded.State)
	}
	if len(decoded.Replicas) != 1 {
		t.Fatalf("Replicas count = %d, want 1", len(decoded.Replicas))
	}
	if decoded.Replicas[0].ID != "replica-1" {
		t.Errorf("Replica id = %q, want replica-1", decoded.Replicas[0].ID)
	}
}
