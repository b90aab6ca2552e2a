package operation

import (
	"errors"
	"testing"

	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

func TestCompleteInvokesAckOnce(t *testing.T) {
	calls := 0
	var lastErr error
	op := New(Metadata{Type: Normal, SequenceNumber: 1}, epoch.Epoch{ConfigurationNumber: 1}, nil, func(err error) {
		calls++
		lastErr = err
	})

	op.Complete()
	op.Complete()
	op.Complete()

	if calls != 1 {
		t.Fatalf("ack callback invoked %d times, want 1", calls)
	}
	if lastErr != nil {
		t.Fatalf("expected nil error, got %v", lastErr)
	}
	if !op.Completed() {
		t.Fatal("expected Completed() true")
	}
}

func TestFailInvokesAckWithError(t *testing.T) {
	wantErr := errors.New("boom")
	var got error
	op := New(Metadata{Type: Normal, SequenceNumber: 1}, epoch.Epoch{}, nil, func(err error) { got = err })

	op.Fail(wantErr)
	op.Fail(errors.New("second call ignored"))

	if got != wantErr {
		t.Fatalf("got error %v, want %v", got, wantErr)
	}
}

func TestCompleteAfterFailIsNoop(t *testing.T) {
	calls := 0
	op := New(Metadata{Type: Normal, SequenceNumber: 1}, epoch.Epoch{}, nil, func(error) { calls++ })
	op.Fail(errors.New("x"))
	op.Complete()
	if calls != 1 {
		t.Fatalf("ack invoked %d times, want 1", calls)
	}
}

func TestCleanupReleasesBuffersOnce(t *testing.T) {
	bufs := NewBuffers([][]byte{[]byte("hello")})
	bufs.Retain() // the test's own reference, released explicitly below
	op := New(Metadata{SequenceNumber: lsn.LSN(1)}, epoch.Epoch{}, bufs, nil)

	op.Cleanup()
	if released := bufs.Release(); !released {
		t.Fatal("expected the explicit Release above Cleanup's internal one to observe zero refcount")
	}
	// A second Cleanup call must not double-release.
	op.Cleanup()
}

func TestDataSize(t *testing.T) {
	bufs := NewBuffers([][]byte{[]byte("ab"), []byte("cde")})
	op := New(Metadata{}, epoch.Epoch{}, bufs, nil)
	if got, want := op.DataSize(), 5; got != want {
		t.Errorf("DataSize() = %d, want %d", got, want)
	}
}

func TestCommitIdempotent(t *testing.T) {
	op := New(Metadata{}, epoch.Epoch{}, nil, nil)
	op.Commit()
	_, committedAt, _, _ := op.Timestamps()
	op.Commit()
	_, committedAt2, _, _ := op.Timestamps()
	if !committedAt.Equal(committedAt2) {
		t.Fatal("second Commit must not move committedAt")
	}
}
