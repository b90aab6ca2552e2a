// Package session implements ReplicationSession, the primary's long-lived
// per-peer relationship that composes a reliable sender for steady-state
// replication with a lazy copy sender for the build protocol.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/internal/sender"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// CopySender is the subset of the build-protocol sender a session needs.
// The concrete implementation lives in internal/copy; session only depends
// on this narrow interface so the two packages don't import each other.
type CopySender interface {
	Start(ctx context.Context) error
	Close()
}

// Role distinguishes an active replica (CC/PC member) from an idle one
// still being built.
type Role int

const (
	RoleIdle Role = iota
	RoleActive
)

func (r Role) String() string {
	if r == RoleActive {
		return "Active"
	}
	return "Idle"
}

// Session is one ReplicationSession: everything the primary tracks about a
// single remote replica.
type Session struct {
	ID     string
	logger zerolog.Logger

	mu   sync.RWMutex
	role Role

	sender     *sender.ReliableOperationSender
	copySender CopySender

	mustCatchUp                      bool
	isPromotedToActive                bool
	isIdleFaultedDueToSlowProgress    bool
	isActiveFaultedDueToSlowProgress  bool
	faulted                           bool
	faultReason                       string

	receiveAckLSN  lsn.LSN
	quorumAckLSN   lsn.LSN // apply-ack
	copyReceiveLSN lsn.LSN
	copyQuorumLSN  lsn.LSN
	lastMessageID  string

	receiveAckAvg *sender.DecayAverage
	applyAckAvg   *sender.DecayAverage

	induceFaultSend    func(reason string) error
	induceFaultDone    chan struct{}
	induceFaultRunning bool
	induceFaultWG      sync.WaitGroup
}

// New creates a ReplicationSession for the given peer id, owning its own
// ReliableOperationSender configured with cfg.
func New(id string, cfg sender.Config, logger zerolog.Logger) *Session {
	l := logger.With().Str("component", "replication-session").Str("peer", id).Logger()
	return &Session{
		ID:            id,
		logger:        l,
		role:          RoleIdle,
		sender:        sender.New(cfg, l),
		receiveAckAvg: sender.NewDecayAverage(cfg.DecayFactor, cfg.DecayInterval),
		applyAckAvg:   sender.NewDecayAverage(cfg.DecayFactor, cfg.DecayInterval),
	}
}

// Open wires the session's sender to its transport send function.
func (s *Session) Open(sendFn sender.SendFunc) {
	s.sender.Open(sendFn)
}

// SetInduceFaultSender wires the function used to repeat an InduceFault
// message to the peer once this session faults, until the peer reconnects
// with a new incarnation id. Set before Fault can be called.
func (s *Session) SetInduceFaultSender(send func(reason string) error) {
	s.mu.Lock()
	s.induceFaultSend = send
	s.mu.Unlock()
}

// Close shuts down the sender and any in-flight copy sender. Safe to call
// more than once.
func (s *Session) Close() {
	s.sender.Close()
	s.Reincarnated() // stop any running induce-fault loop

	s.mu.Lock()
	cs := s.copySender
	s.copySender = nil
	s.mu.Unlock()

	if cs != nil {
		cs.Close()
	}
}

// SetRole updates whether this session represents an idle or active
// replica; callers hold the owning ReplicaManager's lock.
func (s *Session) SetRole(r Role) {
	s.mu.Lock()
	s.role = r
	s.mu.Unlock()
}

// Role reports whether the session is currently idle or active.
func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// SetCopySender lazily attaches a build-protocol sender; set to nil once
// the copy completes.
func (s *Session) SetCopySender(cs CopySender) {
	s.mu.Lock()
	s.copySender = cs
	s.mu.Unlock()
}

// CopySender returns the currently attached build-protocol sender, if any.
func (s *Session) CopySender() CopySender {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copySender
}

// AddReplicateOperations appends ops to the session's sender. Out-of-order
// adds are tolerated because the owning OperationQueue enforces ordering
// before operations ever reach here.
func (s *Session) AddReplicateOperations(ops []*operation.Operation, completedSeq lsn.LSN) {
	s.mu.RLock()
	faulted := s.faulted
	s.mu.RUnlock()
	if faulted {
		return
	}
	for _, op := range ops {
		s.sender.Add(op)
	}
}

// UpdateAckProgress is the single entry point for inbound ack processing.
// copyReceiveLSN/copyQuorumLSN are nil when the peer has no copy in
// progress. callback is invoked iff any of the tracked progress values
// actually advanced.
func (s *Session) UpdateAckProgress(replReceiveLSN, replQuorumLSN lsn.LSN, copyReceiveLSN, copyQuorumLSN *lsn.LSN, messageID string, callback func()) {
	progressed := false

	s.mu.Lock()
	if replReceiveLSN > s.receiveAckLSN {
		s.receiveAckLSN = replReceiveLSN
		progressed = true
	}
	if replQuorumLSN > s.quorumAckLSN {
		s.quorumAckLSN = replQuorumLSN
		progressed = true
	}
	if copyReceiveLSN != nil && *copyReceiveLSN > s.copyReceiveLSN {
		s.copyReceiveLSN = *copyReceiveLSN
		progressed = true
	}
	if copyQuorumLSN != nil && *copyQuorumLSN > s.copyQuorumLSN {
		s.copyQuorumLSN = *copyQuorumLSN
		progressed = true
	}
	if messageID != "" {
		s.lastMessageID = messageID
	}
	s.mu.Unlock()

	s.sender.ProcessAck(replReceiveLSN)

	if progressed && callback != nil {
		callback()
	}
}

// RecordReceiveAckLatency feeds an observed receive-ack round trip into the
// decaying average.
func (s *Session) RecordReceiveAckLatency(d time.Duration) {
	s.mu.Lock()
	s.receiveAckAvg.Update(d)
	s.mu.Unlock()
}

// RecordApplyAckLatency feeds an observed apply-ack round trip into the
// decaying average.
func (s *Session) RecordApplyAckLatency(d time.Duration) {
	s.mu.Lock()
	s.applyAckAvg.Update(d)
	s.mu.Unlock()
}

// ReceiveAckDuration returns the current decayed receive-ack latency.
func (s *Session) ReceiveAckDuration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receiveAckAvg.Value()
}

// ApplyAckDuration returns the current decayed apply-ack latency.
func (s *Session) ApplyAckDuration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applyAckAvg.Value()
}

// ReceiveAckLSN returns the last LSN this peer has acknowledged receiving.
func (s *Session) ReceiveAckLSN() lsn.LSN {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receiveAckLSN
}

// QuorumAckLSN returns the last LSN this peer has acknowledged applying.
func (s *Session) QuorumAckLSN() lsn.LSN {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quorumAckLSN
}

// CopyProgress returns the peer's copy-stream receive and quorum LSNs.
func (s *Session) CopyProgress() (receive, quorum lsn.LSN) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyReceiveLSN, s.copyQuorumLSN
}

// SetMustCatchUp marks whether this session is lagging and needs a
// catch-up drive before it can rejoin quorum computation.
func (s *Session) SetMustCatchUp(v bool) {
	s.mu.Lock()
	s.mustCatchUp = v
	s.mu.Unlock()
}

// MustCatchUp reports whether this session is flagged for catch-up.
func (s *Session) MustCatchUp() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mustCatchUp
}

// OnPromoteToActiveSecondary resets decaying averages: idle ack latencies
// (copy traffic) aren't representative of steady-state replication
// latency once the peer becomes an active secondary.
func (s *Session) OnPromoteToActiveSecondary() {
	s.mu.Lock()
	s.isPromotedToActive = true
	s.role = RoleActive
	s.receiveAckAvg.Reset()
	s.applyAckAvg.Reset()
	s.mu.Unlock()
}

// IsPromotedToActive reports whether this session has ever been promoted
// from idle to active.
func (s *Session) IsPromotedToActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isPromotedToActive
}

// Fault marks the session as faulted: it stops further transmission and
// closes its senders. reason is recorded for diagnostics and surfaced by
// the induce-fault message repeated to the peer until it reconnects with a
// new incarnation id.
func (s *Session) Fault(reason string) {
	s.mu.Lock()
	if s.faulted {
		s.mu.Unlock()
		return
	}
	s.faulted = true
	s.faultReason = reason
	if s.role == RoleActive {
		s.isActiveFaultedDueToSlowProgress = true
	} else {
		s.isIdleFaultedDueToSlowProgress = true
	}
	send := s.induceFaultSend
	s.mu.Unlock()

	s.sender.Close()

	if send != nil {
		s.startInduceFaultLoop(reason, send)
	}
}

// startInduceFaultLoop repeats send(reason) on the reliable sender's retry
// cadence until Reincarnated stops it.
func (s *Session) startInduceFaultLoop(reason string, send func(reason string) error) {
	s.mu.Lock()
	if s.induceFaultRunning {
		s.mu.Unlock()
		return
	}
	s.induceFaultRunning = true
	done := make(chan struct{})
	s.induceFaultDone = done
	interval := s.sender.RetryInterval()
	s.mu.Unlock()

	s.induceFaultWG.Add(1)
	go func() {
		defer s.induceFaultWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		_ = send(reason)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = send(reason)
			}
		}
	}()
}

// Reincarnated stops the induce-fault retry loop once the peer reconnects
// with a new incarnation id, confirming it recycled its state. Safe to
// call even if no loop is running.
func (s *Session) Reincarnated() {
	s.mu.Lock()
	if !s.induceFaultRunning {
		s.mu.Unlock()
		return
	}
	s.induceFaultRunning = false
	done := s.induceFaultDone
	s.mu.Unlock()

	close(done)
	s.induceFaultWG.Wait()
}

// IsFaulted reports whether this session has been faulted.
func (s *Session) IsFaulted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.faulted
}

// FaultReason returns the diagnostic string recorded by Fault, or "" if
// the session is healthy.
func (s *Session) FaultReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.faultReason
}

// Sender exposes the underlying ReliableOperationSender.
func (s *Session) Sender() *sender.ReliableOperationSender {
	return s.sender
}
