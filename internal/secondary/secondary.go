package secondary

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/internal/opstream"
	"github.com/jfoltran/replicator/internal/stateprovider"
	"github.com/jfoltran/replicator/internal/wire"
	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

var errNoCopyInProgress = errors.New("secondary: no copy stream in progress")

// Config bundles the replication receiver configuration for one
// secondary-role session (copy receivers are built with fixed settings by
// BeginCopy).
type Config struct {
	Replication ReplicationConfig
}

// Replicator is the secondary-role façade: it owns the replication
// receiver, a copy receiver during a build, and the consumer-facing
// streams for both.
type Replicator struct {
	cfg      Config
	provider stateprovider.Provider
	logger   zerolog.Logger

	mu          sync.Mutex
	repl        *ReplicationReceiver
	replStream  *opstream.Stream
	copyRecv    *CopyReceiver
	copyStream  *opstream.Stream
	faulted     error
}

// New creates a secondary Replicator starting replication at startLSN.
// sendReplAck delivers replication acks back to the primary; copy acks use
// the function passed to BeginCopy.
func New(cfg Config, provider stateprovider.Provider, startLSN lsn.LSN, sendReplAck func(wire.AckPayload), logger zerolog.Logger) *Replicator {
	l := logger.With().Str("component", "secondary-replicator").Logger()
	r := &Replicator{cfg: cfg, provider: provider, logger: l}
	r.repl = NewReplicationReceiver(cfg.Replication, provider, startLSN, sendReplAck, l)
	r.replStream = opstream.New(r.repl.Dispatch(), r.onStreamFault)
	return r
}

// ReplicationStream returns the consumer-facing stream for replication
// operations.
func (r *Replicator) ReplicationStream() *opstream.Stream {
	return r.replStream
}

// BeginCopy starts accepting a copy stream from the primary, addressed to
// this secondary alone (no quorum). sendCopyAck delivers copy acks.
func (r *Replicator) BeginCopy(sendCopyAck func(wire.AckPayload)) *opstream.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.copyRecv = NewCopyReceiver(256, sendCopyAck, r.logger)
	r.copyStream = opstream.New(r.copyRecv.Dispatch(), r.onStreamFault)
	return r.copyStream
}

// OnReplicationBatch enqueues a batch of replication operations received
// from the primary, in order.
func (r *Replicator) OnReplicationBatch(ops []*operation.Operation) error {
	return r.repl.EnqueueBatch(ops)
}

// OnCopyOperation forwards one inbound copy operation to the in-progress
// copy receiver.
func (r *Replicator) OnCopyOperation(op *operation.Operation, isLast bool) error {
	r.mu.Lock()
	cr := r.copyRecv
	r.mu.Unlock()
	if cr == nil {
		return errNoCopyInProgress
	}
	return cr.OnCopyOperation(op, isLast)
}

// OnConsumerReplicationAck forwards a consumer apply-ack for seq to the
// replication receiver.
func (r *Replicator) OnConsumerReplicationAck(seq lsn.LSN) {
	r.repl.OnConsumerAck(seq)
}

// OnConsumerCopyAck is a no-op placeholder: the copy receiver acks
// eagerly as each op is dispatched (there is no consumer-driven ack phase
// for the copy stream itself, only for replication).
func (r *Replicator) OnConsumerCopyAck(seq lsn.LSN) {}

// UpdateEpoch waits for the replication dispatch channel to empty, persists
// the new epoch on the state provider, and records it on the replication
// queue. Inbound operations are not checked against the recorded epoch:
// operations from older epochs are still enqueued.
func (r *Replicator) UpdateEpoch(ctx context.Context, e epoch.Epoch, previousEpochLastLSN lsn.LSN) error {
	if err := r.repl.UpdateEpoch(ctx, e, previousEpochLastLSN); err != nil {
		r.mu.Lock()
		r.faulted = err
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Replicator) onStreamFault(kind opstream.FaultKind) {
	r.logger.Warn().Int("kind", int(kind)).Msg("consumer reported fault")
}

// LastLSN returns the next LSN this secondary's replication receiver
// expects, i.e. the first LSN not yet seen. Used to hand the sequence off
// continuously across a role change.
func (r *Replicator) LastLSN() lsn.LSN {
	_, _, _, tail := r.repl.q.Markers()
	return tail
}

// Faulted returns the error that faulted this secondary, if any.
func (r *Replicator) Faulted() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.faulted
}

// Close closes the dispatch path of any in-progress copy stream. The
// replication receiver's dispatch channel is left open, so the replication
// stream does not end on Close.
func (r *Replicator) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.copyRecv != nil {
		r.copyRecv.closeDispatch()
	}
}
