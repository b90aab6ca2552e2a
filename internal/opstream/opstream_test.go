package opstream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

func testOp(seq int64, typ operation.Type) *operation.Operation {
	return operation.New(
		operation.Metadata{Type: typ, SequenceNumber: lsn.LSN(seq)},
		epoch.Epoch{ConfigurationNumber: 1},
		operation.NewBuffers([][]byte{[]byte("x")}),
		nil,
	)
}

func TestGetNextYieldsInOrder(t *testing.T) {
	ch := make(chan *operation.Operation, 2)
	ch <- testOp(1, operation.Normal)
	ch <- testOp(2, operation.Normal)
	close(ch)

	s := New(ch, nil)
	ctx := context.Background()

	op1, err := s.GetNext(ctx)
	if err != nil || op1.SequenceNumber() != 1 {
		t.Fatalf("GetNext() = (%v, %v), want (seq 1, nil)", op1, err)
	}
	op2, err := s.GetNext(ctx)
	if err != nil || op2.SequenceNumber() != 2 {
		t.Fatalf("GetNext() = (%v, %v), want (seq 2, nil)", op2, err)
	}
	if _, err := s.GetNext(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("GetNext() after close = %v, want io.EOF", err)
	}
}

func TestGetNextStopsAtEndOfStreamSentinel(t *testing.T) {
	ch := make(chan *operation.Operation, 2)
	ch <- testOp(1, operation.Normal)
	ch <- testOp(2, operation.EndOfStream)
	close(ch)

	s := New(ch, nil)
	ctx := context.Background()

	if _, err := s.GetNext(ctx); err != nil {
		t.Fatalf("GetNext() first op: %v", err)
	}
	if _, err := s.GetNext(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("GetNext() at EOS sentinel = %v, want io.EOF", err)
	}
}

func TestReportFaultInvokesCallbackAndEndsStream(t *testing.T) {
	ch := make(chan *operation.Operation)
	var gotKind FaultKind
	called := false
	s := New(ch, func(kind FaultKind) {
		called = true
		gotKind = kind
	})

	s.ReportFault(Permanent)
	if !called {
		t.Fatal("expected onFault callback to be invoked")
	}
	if gotKind != Permanent {
		t.Fatalf("fault kind = %v, want Permanent", gotKind)
	}
	if !s.Faulted() {
		t.Fatal("expected Faulted() true")
	}

	if _, err := s.GetNext(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("GetNext() after fault = %v, want io.EOF", err)
	}
}

func TestReportFaultIsIdempotent(t *testing.T) {
	ch := make(chan *operation.Operation)
	calls := 0
	s := New(ch, func(kind FaultKind) { calls++ })
	s.ReportFault(Transient)
	s.ReportFault(Transient)
	if calls != 1 {
		t.Fatalf("onFault invoked %d times, want 1", calls)
	}
}

func TestGetNextRespectsContextCancellation(t *testing.T) {
	ch := make(chan *operation.Operation)
	s := New(ch, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := s.GetNext(ctx); err == nil {
		t.Fatal("expected context deadline error when nothing is ever sent")
	}
}
