// Package primary implements PrimaryReplicator, the thin orchestrator that
// sits between the outer Replicator state machine and the ReplicaManager.
package primary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/copy"
	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/internal/queue"
	"github.com/jfoltran/replicator/internal/replerr"
	"github.com/jfoltran/replicator/internal/replicamgr"
	"github.com/jfoltran/replicator/internal/sender"
	"github.com/jfoltran/replicator/internal/session"
	"github.com/jfoltran/replicator/internal/stateprovider"
	"github.com/jfoltran/replicator/internal/wire"
	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// Config tunes the close protocol and the underlying ReplicaManager.
type Config struct {
	WaitForQuorumTimeout time.Duration
	QueueConfig          queue.Config
	ManagerConfig        replicamgr.Config
}

// Replicator is the primary-role façade: Replicate, BuildIdle, Catchup,
// UpdateConfiguration, UpdateEpoch, RemoveReplica, plus inbound ack fanout.
type Replicator struct {
	cfg      Config
	logger   zerolog.Logger
	provider stateprovider.Provider

	mu      sync.RWMutex
	q       *queue.Queue
	mgr     *replicamgr.ReplicaManager
	epoch   epoch.Epoch
	closing bool

	openTransport   func(peerID string) sender.SendFunc
	copyOpen        func(peerID string, payload wire.CopyOperationPayload) error
	induceFaultSend func(peerID, reason string) error
}

// New creates a Replicator for the given epoch, starting at startLSN.
// openTransport builds a replication send function for a peer id; copySend
// delivers one copy operation to a peer during a build; induceFaultSend
// (optional, may be nil) delivers an InduceFault message to a peer and is
// retried on the sender's cadence until the peer reincarnates.
func New(cfg Config, startLSN lsn.LSN, e epoch.Epoch, provider stateprovider.Provider,
	openTransport func(peerID string) sender.SendFunc,
	copySend func(peerID string, payload wire.CopyOperationPayload) error,
	induceFaultSend func(peerID, reason string) error,
	logger zerolog.Logger) *Replicator {

	l := logger.With().Str("component", "primary-replicator").Logger()
	q := queue.New(cfg.QueueConfig, startLSN)

	r := &Replicator{
		cfg:             cfg,
		logger:          l,
		provider:        provider,
		q:               q,
		epoch:           e,
		openTransport:   openTransport,
		copyOpen:        copySend,
		induceFaultSend: induceFaultSend,
	}
	r.mgr = replicamgr.New(cfg.ManagerConfig, q, func(s *session.Session) sender.SendFunc {
		return openTransport(s.ID)
	}, l)
	if induceFaultSend != nil {
		r.mgr.SetInduceFaultSender(func(s *session.Session) func(reason string) error {
			return func(reason string) error { return induceFaultSend(s.ID, reason) }
		})
	}
	return r
}

// Replicate enqueues op and waits for it to reach write quorum.
func (r *Replicator) Replicate(ctx context.Context, op *operation.Operation) error {
	r.mu.RLock()
	closing := r.closing
	r.mu.RUnlock()
	if closing {
		return replerr.New(replerr.KindInvalidState, "Replicate", fmt.Errorf("replicator is closing"))
	}
	return r.mgr.Replicate(ctx, op)
}

// UpdateConfiguration installs a new CC/PC membership.
func (r *Replicator) UpdateConfiguration(cc []replicamgr.ReplicaDescriptor, ccQuorum int, pc []replicamgr.ReplicaDescriptor, pcQuorum int) error {
	return r.mgr.UpdateConfiguration(cc, ccQuorum, pc, pcQuorum)
}

// UpdateEpoch records a new epoch on the queue. The caller is responsible
// for having drained in-flight operations of the previous epoch first (the
// barrier semantics live in the outer Replicator state machine).
func (r *Replicator) UpdateEpoch(e epoch.Epoch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !e.GreaterThan(r.epoch) {
		return replerr.New(replerr.KindInvalidEpoch, "UpdateEpoch", fmt.Errorf("epoch %s is not greater than current %s", e, r.epoch))
	}
	r.epoch = e
	r.q.SetEpoch(e)
	return nil
}

// RemoveReplica drops a replica from every set and closes its session.
func (r *Replicator) RemoveReplica(id string) {
	r.mgr.RemoveReplica(id)
}

// BuildIdle opens a ReplicationSession in the idle role for id, drives the
// copy protocol via a copy.Sender, and returns once the copy stream and its
// terminator have been sent (or enumeration or a send failed). It does not
// wait for the idle replica's copy or replication acks.
func (r *Replicator) BuildIdle(ctx context.Context, id string, replicationStartLSN lsn.LSN, waitForReplAck bool) error {
	s := r.mgr.AddIdle(id)

	send := func(ctx context.Context, payload wire.CopyOperationPayload) error {
		return r.copyOpen(id, payload)
	}

	r.mu.RLock()
	e := r.epoch
	r.mu.RUnlock()

	cs := copy.NewSender(id, e, r.provider, send, waitForReplAck, r.logger)
	s.SetCopySender(copySenderAdapter{cs})
	defer s.SetCopySender(nil)

	_, _, _, tail := r.q.Markers()
	return cs.Start(ctx, tail-1, replicationStartLSN)
}

// Catchup clears the must-catch-up flag on every non-faulted CC session
// via ReplicaManager.BeginCatchup; it does not wait for any session's acks.
func (r *Replicator) Catchup(ctx context.Context) error {
	return r.mgr.BeginCatchup(ctx)
}

// OnAckReceived parses an inbound ack message and routes it to the
// ReplicaManager. A copy-context ack from a non-persisted secondary is the
// caller's responsibility to drop before calling this.
func (r *Replicator) OnAckReceived(peerID string, ack wire.AckPayload, messageID string) error {
	var copyRecv, copyQuorum *lsn.LSN
	if ack.CopyReceivedLSN != lsn.NonInitialized {
		copyRecv = &ack.CopyReceivedLSN
	}
	if ack.CopyQuorumLSN != lsn.NonInitialized {
		copyQuorum = &ack.CopyQuorumLSN
	}
	return r.mgr.OnAck(peerID, ack.ReplicationReceivedLSN, ack.ReplicationQuorumLSN, copyRecv, copyQuorum, messageID)
}

// Progress returns the current committed/completed/all-acked LSNs.
func (r *Replicator) Progress() (committed, completed, allAcked lsn.LSN) {
	return r.mgr.Progress()
}

// LastLSN returns the next LSN this primary's queue expects, i.e. the first
// LSN not yet enqueued. Used to hand the sequence off continuously across a
// role change.
func (r *Replicator) LastLSN() lsn.LSN {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, _, _, tail := r.q.Markers()
	return tail
}

// Close implements the close protocol: optionally wait for quorum on
// in-flight replicates, then cancel everything and close every session.
func (r *Replicator) Close() {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	r.mgr.Close(r.cfg.WaitForQuorumTimeout)
}

// copySenderAdapter satisfies session.CopySender by wrapping a
// copy.Sender's Start call behind the narrower interface the session
// package expects (it never needs to know copy.Sender's full API).
type copySenderAdapter struct {
	cs *copy.Sender
}

func (a copySenderAdapter) Start(ctx context.Context) error {
	return nil // the actual Start call with LSN args is driven by BuildIdle directly
}

func (a copySenderAdapter) Close() {
	a.cs.Close()
}
