// Package secondary implements the secondary-role receivers: ordering
// inbound replication and copy operations, dispatching them to the state
// provider consumer in order, and acking progress back to the primary.
package secondary

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/internal/queue"
	"github.com/jfoltran/replicator/internal/replerr"
	"github.com/jfoltran/replicator/internal/stateprovider"
	"github.com/jfoltran/replicator/internal/wire"
	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// ReplicationConfig tunes the ordering/ack behavior of a receiver.
type ReplicationConfig struct {
	QueueConfig       queue.Config
	RequireServiceAck bool
	ImmediateApplyAck bool
	DispatchCapacity  int
}

// ReplicationReceiver orders incoming replication operations, feeds them to
// the consumer via a dispatch channel, and sends piggybacked receive+apply
// acks.
type ReplicationReceiver struct {
	cfg      ReplicationConfig
	provider stateprovider.Provider
	sendAck  func(wire.AckPayload)
	logger   zerolog.Logger

	mu       sync.Mutex
	q        *queue.Queue
	dispatch chan *operation.Operation
	faulted  error
}

// NewReplicationReceiver creates a ReplicationReceiver starting at startLSN.
func NewReplicationReceiver(cfg ReplicationConfig, provider stateprovider.Provider, startLSN lsn.LSN, sendAck func(wire.AckPayload), logger zerolog.Logger) *ReplicationReceiver {
	qcfg := cfg.QueueConfig
	qcfg.CleanOnComplete = false
	qcfg.RequireServiceAck = cfg.RequireServiceAck
	if cfg.DispatchCapacity <= 0 {
		cfg.DispatchCapacity = 256
	}

	r := &ReplicationReceiver{
		cfg:      cfg,
		provider: provider,
		sendAck:  sendAck,
		logger:   logger.With().Str("component", "secondary-replication-receiver").Logger(),
		q:        queue.New(qcfg, startLSN),
		dispatch: make(chan *operation.Operation, cfg.DispatchCapacity),
	}
	r.q.SetCommitCallback(r.dispatchOp)
	return r
}

// Dispatch returns the channel an OperationStream consumes from.
func (r *ReplicationReceiver) Dispatch() <-chan *operation.Operation {
	return r.dispatch
}

func (r *ReplicationReceiver) dispatchOp(op *operation.Operation) {
	r.dispatch <- op
}

// EnqueueBatch enqueues a batch of replication operations in order,
// commits the in-order prefix (dispatching newly committed ones), and —
// when the receiver doesn't require a real service ack — immediately
// completes them too. It sends a fresh ack reflecting the new progress.
func (r *ReplicationReceiver) EnqueueBatch(ops []*operation.Operation) error {
	r.mu.Lock()
	for _, op := range ops {
		if err := r.q.Enqueue(op); err != nil {
			if isDuplicate(err) {
				continue
			}
			r.mu.Unlock()
			return err
		}
	}
	r.q.Commit()
	if !r.cfg.RequireServiceAck {
		r.q.Complete()
	}
	ack := r.currentAckLocked()
	r.mu.Unlock()

	r.sendAck(ack)
	return nil
}

// OnConsumerAck is invoked by the consumer (via the OperationStream's
// owner) when it has applied operation seq; it advances the completed
// marker and, if configured, sends an immediate apply-ack.
func (r *ReplicationReceiver) OnConsumerAck(seq lsn.LSN) {
	r.mu.Lock()
	r.q.NoteConsumerAck(seq)
	r.q.Complete()
	ack := r.currentAckLocked()
	r.mu.Unlock()

	if r.cfg.ImmediateApplyAck {
		r.sendAck(ack)
	}
}

func (r *ReplicationReceiver) currentAckLocked() wire.AckPayload {
	_, head, committedHead, _ := r.q.Markers()
	return wire.NewAck(committedHead-1, head-1)
}

// UpdateEpoch waits until every dispatched replication operation has been
// taken off the dispatch channel before invoking the state provider's
// UpdateEpoch, then advances the queue's epoch. It does not wait for the
// consumer's apply-acks of those operations. A failure faults the stream.
func (r *ReplicationReceiver) UpdateEpoch(ctx context.Context, e epoch.Epoch, previousEpochLastLSN lsn.LSN) error {
	r.drain(ctx)

	if err := r.provider.UpdateEpoch(ctx, e, previousEpochLastLSN); err != nil {
		r.mu.Lock()
		r.faulted = err
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.q.SetEpoch(e)
	r.mu.Unlock()
	return nil
}

// drain spins until the dispatch channel is empty or ctx is done. It does
// not block concurrent EnqueueBatch calls, so operations enqueued while it
// runs may still be in the channel when it returns.
func (r *ReplicationReceiver) drain(ctx context.Context) {
	for {
		r.mu.Lock()
		empty := len(r.dispatch) == 0
		r.mu.Unlock()
		if empty {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Faulted returns the error that faulted this stream, if any.
func (r *ReplicationReceiver) Faulted() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.faulted
}

// Reset discards all queue state and reinitializes at startLSN, used after
// OnDataLoss.
func (r *ReplicationReceiver) Reset(startLSN lsn.LSN) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.q.Reset(startLSN)
}

func isDuplicate(err error) bool {
	return replerr.KindOf(err) == replerr.KindDuplicateOperation
}
