package copy

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/internal/queue"
	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// ContextReceiver accepts copy-context operations sent by one idle
// secondary with persisted state, orders them in its own queue, and feeds
// them to the primary's state provider via a bounded dispatch channel.
// Acks piggyback on the copy-context ack message with the last completed
// LSN and an error code.
type ContextReceiver struct {
	logger zerolog.Logger

	mu    sync.Mutex
	q     *queue.Queue
	out   chan *operation.Operation
	epoch epoch.Epoch

	lastCompletedLSN lsn.LSN
	failed           error
}

// NewContextReceiver creates a ContextReceiver. dispatchCapacity bounds
// the channel feeding the state provider consumer.
func NewContextReceiver(dispatchCapacity int, logger zerolog.Logger) *ContextReceiver {
	l := logger.With().Str("component", "copy-context-receiver").Logger()
	r := &ContextReceiver{
		logger: l,
		q:      queue.New(queue.Config{InitialSize: 64, CleanOnComplete: false, IgnoreCommit: true}, 1),
		out:    make(chan *operation.Operation, dispatchCapacity),
	}
	r.q.SetCommitCallback(func(op *operation.Operation) {
		select {
		case r.out <- op:
		default:
			// Dispatch channel full: block the owning queue's caller
			// instead of dropping, preserving order.
			r.out <- op
		}
	})
	return r
}

// Enqueue accepts one copy-context operation received from the idle
// secondary.
func (r *ContextReceiver) Enqueue(op *operation.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q.Enqueue(op)
}

// Dispatch returns the channel the state provider consumer reads
// copy-context operations from, in order.
func (r *ContextReceiver) Dispatch() <-chan *operation.Operation {
	return r.out
}

// Ack records that the consumer has applied operation seq, advancing the
// last-completed-LSN reported on the next copy-context ack.
func (r *ContextReceiver) Ack(seq lsn.LSN) {
	r.mu.Lock()
	r.q.CompleteUpTo(seq)
	if seq > r.lastCompletedLSN {
		r.lastCompletedLSN = seq
	}
	r.mu.Unlock()
}

// Fail records a terminal consumer-side error; subsequent LastCompletedLSN
// callers should surface it as the ack's error code.
func (r *ContextReceiver) Fail(err error) {
	r.mu.Lock()
	r.failed = err
	r.mu.Unlock()
}

// LastCompletedLSN returns the LSN to report on the next outbound
// copy-context ack, along with any terminal error.
func (r *ContextReceiver) LastCompletedLSN() (lsn.LSN, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCompletedLSN, r.failed
}

// Close releases the dispatch channel; no further Enqueue calls are valid
// afterward.
func (r *ContextReceiver) Close(ctx context.Context) {
	close(r.out)
}
