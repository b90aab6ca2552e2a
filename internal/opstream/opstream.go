// Package opstream implements OperationStream, the consumer-facing view of
// a secondary's replication or copy dispatch queue.
package opstream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/jfoltran/replicator/internal/operation"
)

// FaultKind distinguishes a transient fault (the consumer may retry a
// fresh stream) from a permanent one (the secondary itself is faulted).
type FaultKind int

const (
	Transient FaultKind = iota
	Permanent
)

// errEndOfStream is not returned by GetNext, which reports the end of the
// stream (normal or after a fault) as io.EOF.
var errEndOfStream = errors.New("opstream: end of stream")

// Stream is a single-consumer awaitable sequence of operations drawn from
// a dispatch channel, with end-of-stream and fault reporting.
type Stream struct {
	in <-chan *operation.Operation

	mu      sync.Mutex
	faulted bool
	done    bool

	onFault func(kind FaultKind)
}

// New wraps in (a dispatch channel fed by SecondaryReplicationReceiver or
// SecondaryCopyReceiver) as a consumer-facing Stream. onFault is invoked
// when the consumer reports a fault, so the owning secondary can react.
func New(in <-chan *operation.Operation, onFault func(kind FaultKind)) *Stream {
	return &Stream{in: in, onFault: onFault}
}

// GetNext blocks until the next operation is available, the stream ends,
// or ctx is cancelled. io.EOF is returned once the stream is exhausted
// (normally or due to fault).
func (s *Stream) GetNext(ctx context.Context) (*operation.Operation, error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil, io.EOF
	}
	s.mu.Unlock()

	select {
	case op, ok := <-s.in:
		if !ok {
			s.mu.Lock()
			s.done = true
			s.mu.Unlock()
			return nil, io.EOF
		}
		if op.Metadata.Type == operation.EndOfStream {
			s.mu.Lock()
			s.done = true
			s.mu.Unlock()
			return nil, io.EOF
		}
		return op, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReportFault is called by the consumer when it cannot continue applying
// operations. It immediately marks the stream done; the owning secondary
// is notified via onFault so it can fault itself and drain pending work.
func (s *Stream) ReportFault(kind FaultKind) {
	s.mu.Lock()
	if s.faulted {
		s.mu.Unlock()
		return
	}
	s.faulted = true
	s.done = true
	s.mu.Unlock()

	if s.onFault != nil {
		s.onFault(kind)
	}
}

// Faulted reports whether the consumer has reported a fault on this
// stream.
func (s *Stream) Faulted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faulted
}
