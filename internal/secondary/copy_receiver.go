package secondary

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/internal/queue"
	"github.com/jfoltran/replicator/internal/wire"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// CopyReceiver is the secondary-side analog of ReplicationReceiver for the
// copy stream: there's no quorum (acks address the lone primary), the
// queue cleans up on complete and folds commit into complete (copy
// operations are single-use), and the final op may be a bare terminator.
type CopyReceiver struct {
	sendAck func(wire.AckPayload)
	logger  zerolog.Logger

	mu       sync.Mutex
	q        *queue.Queue
	dispatch chan *operation.Operation
	closed   bool
	done     bool
}

// NewCopyReceiver creates a CopyReceiver.
func NewCopyReceiver(dispatchCapacity int, sendAck func(wire.AckPayload), logger zerolog.Logger) *CopyReceiver {
	if dispatchCapacity <= 0 {
		dispatchCapacity = 256
	}
	r := &CopyReceiver{
		sendAck:  sendAck,
		logger:   logger.With().Str("component", "secondary-copy-receiver").Logger(),
		q:        queue.New(queue.Config{InitialSize: 64, CleanOnComplete: true, IgnoreCommit: true}, 1),
		dispatch: make(chan *operation.Operation, dispatchCapacity),
	}
	r.q.SetCommitCallback(r.dispatchOp)
	return r
}

// Dispatch returns the channel an OperationStream consumes from.
func (r *CopyReceiver) Dispatch() <-chan *operation.Operation {
	return r.dispatch
}

func (r *CopyReceiver) dispatchOp(op *operation.Operation) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	r.dispatch <- op
}

// OnCopyOperation processes one inbound copy operation. A zero-buffer
// "last" op is treated purely as a terminator (legacy compat) and is not
// itself dispatched; any other "last" op is dispatched like normal before
// the receive side resets.
func (r *CopyReceiver) OnCopyOperation(op *operation.Operation, isLast bool) error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return nil // already finished: tolerate a retransmitted terminator
	}

	terminatorOnly := isLast && op.DataSize() == 0
	if !terminatorOnly {
		if err := r.q.Enqueue(op); err != nil {
			r.mu.Unlock()
			return err
		}
		r.q.Complete() // IgnoreCommit folds commit into complete
	}

	if isLast {
		r.done = true
	}
	ack := r.currentAckLocked()
	r.mu.Unlock()

	r.sendAck(ack)

	if isLast {
		r.closeDispatch()
	}
	return nil
}

func (r *CopyReceiver) currentAckLocked() wire.AckPayload {
	completed, _, _, _ := r.q.Markers()
	return wire.AckPayload{
		ReplicationReceivedLSN: lsn.NonInitialized,
		ReplicationQuorumLSN:   lsn.NonInitialized,
		CopyReceivedLSN:        completed - 1,
		CopyQuorumLSN:          completed - 1,
	}
}

func (r *CopyReceiver) closeDispatch() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.dispatch)
}

// Done reports whether the receive side has seen the final copy op.
func (r *CopyReceiver) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}
