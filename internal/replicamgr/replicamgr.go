// Package replicamgr implements ReplicaManager: the primary's central data
// structure coordinating the operation queue, current/previous
// configuration membership, quorum progress, and catch-up.
package replicamgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/internal/queue"
	"github.com/jfoltran/replicator/internal/replerr"
	"github.com/jfoltran/replicator/internal/sender"
	"github.com/jfoltran/replicator/internal/session"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// Config tunes slow-secondary detection and reconfiguration policy.
type Config struct {
	AllowMultipleQuorumSet        bool
	SlowSecondaryRestartAtPercent float64
	AdditionalReplicaRetain       int
	SlowRestartAtAge              time.Duration
	SenderConfig                  sender.Config
}

func (c Config) withDefaults() Config {
	if c.SlowSecondaryRestartAtPercent <= 0 {
		c.SlowSecondaryRestartAtPercent = 0.8
	}
	if c.SlowRestartAtAge <= 0 {
		c.SlowRestartAtAge = 5 * time.Second
	}
	return c
}

// ReplicaDescriptor names a replica and its starting progress, used when
// UpdateConfiguration introduces a replica the manager hasn't seen before.
type ReplicaDescriptor struct {
	ID              string
	InitialProgress lsn.LSN
}

// ReplicaManager is the primary's central coordinator: one RW lock guards
// the operation queue, configuration membership, and all session state.
type ReplicaManager struct {
	cfg    Config
	logger zerolog.Logger

	mu  sync.RWMutex
	q   *queue.Queue
	cc  map[string]*session.Session
	pc  map[string]*session.Session
	idle map[string]*session.Session

	ccQuorum int
	pcQuorum int

	pendingReplicates map[lsn.LSN]chan error

	catchupGroup singleflight.Group
	catchupRunning bool

	openSender       func(s *session.Session) sender.SendFunc
	induceFaultSend  func(s *session.Session) func(reason string) error
}

// SetInduceFaultSender wires the builder used to repeat an InduceFault
// message to a faulted peer; build is called once per newly created
// session before Open. Optional: if unset, faulted sessions simply stop
// transmitting without retrying an induce-fault notification.
func (m *ReplicaManager) SetInduceFaultSender(build func(s *session.Session) func(reason string) error) {
	m.mu.Lock()
	m.induceFaultSend = build
	m.mu.Unlock()
}

// newSessionLocked constructs and opens a session for id, wiring the
// induce-fault sender if one is configured. Callers must hold m.mu.
func (m *ReplicaManager) newSessionLocked(id string) *session.Session {
	s := session.New(id, m.cfg.SenderConfig, m.logger)
	if m.induceFaultSend != nil {
		s.SetInduceFaultSender(m.induceFaultSend(s))
	}
	s.Open(m.openSender(s))
	return s
}

// New creates a ReplicaManager over q. openSender builds the transport
// send function for a given session; it is called once per newly admitted
// replica.
func New(cfg Config, q *queue.Queue, openSender func(s *session.Session) sender.SendFunc, logger zerolog.Logger) *ReplicaManager {
	cfg = cfg.withDefaults()
	return &ReplicaManager{
		cfg:               cfg,
		logger:            logger.With().Str("component", "replica-manager").Logger(),
		q:                 q,
		cc:                make(map[string]*session.Session),
		pc:                make(map[string]*session.Session),
		idle:              make(map[string]*session.Session),
		pendingReplicates: make(map[lsn.LSN]chan error),
		openSender:        openSender,
	}
}

// Replicate enqueues op, fans it out to every active session, and blocks
// until the operation reaches quorum, ctx is done, or the manager closes.
func (m *ReplicaManager) Replicate(ctx context.Context, op *operation.Operation) error {
	m.mu.Lock()
	if err := m.q.Enqueue(op); err != nil {
		m.mu.Unlock()
		return err
	}
	done := make(chan error, 1)
	m.pendingReplicates[op.SequenceNumber()] = done

	actives := m.activeSessionsLocked()
	m.checkSlowSecondariesLocked()
	m.mu.Unlock()

	for _, s := range actives {
		s.AddReplicateOperations([]*operation.Operation{op}, op.SequenceNumber())
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnAck processes an inbound ack from peerID and advances queue markers if
// quorum progress moved forward.
func (m *ReplicaManager) OnAck(peerID string, replReceive, replQuorum lsn.LSN, copyReceive, copyQuorum *lsn.LSN, messageID string) error {
	m.mu.RLock()
	s := m.lookupLocked(peerID)
	m.mu.RUnlock()
	if s == nil {
		return replerr.New(replerr.KindReplicaDoesNotExist, "OnAck", fmt.Errorf("unknown peer %q", peerID))
	}

	s.UpdateAckProgress(replReceive, replQuorum, copyReceive, copyQuorum, messageID, func() {
		m.recomputeAndAdvance()
	})
	return nil
}

func (m *ReplicaManager) recomputeAndAdvance() {
	m.mu.Lock()
	p := m.computeProgressLocked()
	m.q.UpdateCommitHead(p.committed)
	m.q.UpdateLastCompletedHead(p.completed)

	catchUpFloor := m.mustCatchUpFloorLocked()

	var toResolve []lsn.LSN
	for seq, ch := range m.pendingReplicates {
		if seq <= p.committed && seq <= catchUpFloor {
			toResolve = append(toResolve, seq)
			close(ch)
		}
	}
	for _, seq := range toResolve {
		delete(m.pendingReplicates, seq)
	}
	m.mu.Unlock()
}

// mustCatchUpFloorLocked returns the lowest apply-ack among sessions
// flagged must_catch_up, or lsn.Max if none are flagged: a Replicate
// future may not complete past a must-catch-up session's apply-ack, even
// once quorum itself has moved on.
func (m *ReplicaManager) mustCatchUpFloorLocked() lsn.LSN {
	floor := lsn.Max
	for _, s := range m.cc {
		if s.MustCatchUp() {
			if ack := s.QuorumAckLSN(); ack < floor {
				floor = ack
			}
		}
	}
	return floor
}

func (m *ReplicaManager) computeProgressLocked() progress {
	primaryLSN := primaryLastLSN(m.q)

	actives := make([]*session.Session, 0, len(m.cc))
	for _, s := range m.cc {
		actives = append(actives, s)
	}
	ccProg := computeQuorum(actives, m.ccQuorum, primaryLSN)

	var pcProgPtr *progress
	if len(m.pc) > 0 {
		pcActives := make([]*session.Session, 0, len(m.pc))
		for _, s := range m.pc {
			pcActives = append(pcActives, s)
		}
		if len(pcActives) == 1 && m.pcQuorum == 1 {
			sole := pcActives[0]
			pcProg := progress{committed: sole.QuorumAckLSN(), completed: sole.ReceiveAckLSN(), allAcked: sole.QuorumAckLSN()}
			pcProgPtr = &pcProg
		} else {
			pcProg := computeQuorum(pcActives, m.pcQuorum, primaryLSN)
			pcProgPtr = &pcProg
		}
	}

	result := reduce(ccProg, pcProgPtr)

	idles := make([]*session.Session, 0, len(m.idle))
	for _, s := range m.idle {
		idles = append(idles, s)
	}
	result.completed = clampToIdleLowerBound(result.completed, idles)
	return result
}

func primaryLastLSN(q *queue.Queue) lsn.LSN {
	_, _, committed, _ := q.Markers()
	if committed > 0 {
		return committed - 1
	}
	return 0
}

// checkSlowSecondariesLocked implements the slow-secondary detection
// heuristic: called with the lock held, on every enqueue.
func (m *ReplicaManager) checkSlowSecondariesLocked() {
	completedHead, _, _, tail := m.q.Markers()
	capacity := m.q.Capacity()
	if capacity == 0 {
		return
	}
	fillRatio := float64(tail-completedHead) / float64(capacity)
	if fillRatio < m.cfg.SlowSecondaryRestartAtPercent {
		return
	}

	nonFaulted := make([]*session.Session, 0, len(m.cc))
	for _, s := range m.cc {
		if !s.IsFaulted() {
			nonFaulted = append(nonFaulted, s)
		}
	}
	if len(nonFaulted) <= m.ccQuorum+m.cfg.AdditionalReplicaRetain {
		return
	}

	op, ok := m.q.OldestPending()
	if !ok {
		return
	}
	if time.Since(op.EnqueuedAt()) <= m.cfg.SlowRestartAtAge {
		return
	}

	prog := m.computeProgressLocked()
	if prog.committed <= completedHead {
		// Majority itself hasn't advanced past the earliest LSN: the
		// slowness is systemic, not one peer's fault.
		return
	}

	slow := slowestByReceiveAckDuration(nonFaulted)
	if slow == nil {
		return
	}
	if slow.ReceiveAckLSN() > completedHead {
		// The slowest-by-latency session isn't also the least-progressed
		// one: don't fault on latency alone.
		return
	}
	m.logger.Warn().Str("peer", slow.ID).Msg("faulting slow secondary")
	slow.Fault("slow secondary: stalled behind quorum progress")
}

func (m *ReplicaManager) activeSessionsLocked() []*session.Session {
	out := make([]*session.Session, 0, len(m.cc))
	for _, s := range m.cc {
		out = append(out, s)
	}
	return out
}

func (m *ReplicaManager) lookupLocked(peerID string) *session.Session {
	if s, ok := m.cc[peerID]; ok {
		return s
	}
	if s, ok := m.pc[peerID]; ok {
		return s
	}
	if s, ok := m.idle[peerID]; ok {
		return s
	}
	return nil
}

// UpdateConfiguration installs a new CC/PC membership. Every entry in
// ccDescriptors must already be known (active or idle) or carry an
// explicit initial progress; unknown entries fail the call.
func (m *ReplicaManager) UpdateConfiguration(ccDescriptors []ReplicaDescriptor, ccQuorum int, pcDescriptors []ReplicaDescriptor, pcQuorum int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range ccDescriptors {
		if m.lookupLocked(d.ID) == nil && d.InitialProgress < 0 {
			return replerr.New(replerr.KindInvalidState, "UpdateConfiguration",
				fmt.Errorf("replica %q is not known and carries no initial progress", d.ID))
		}
	}

	newCC := make(map[string]*session.Session, len(ccDescriptors))
	completedHead, _, _, tail := m.q.Markers()

	for _, d := range ccDescriptors {
		s := m.lookupLocked(d.ID)
		if s == nil {
			s = m.newSessionLocked(d.ID)
			m.seedPending(s, completedHead, tail)
		} else if _, wasIdle := m.idle[d.ID]; wasIdle {
			s.OnPromoteToActiveSecondary()
		}
		newCC[d.ID] = s
	}

	newPC := make(map[string]*session.Session, len(pcDescriptors))
	for _, d := range pcDescriptors {
		if s := m.lookupLocked(d.ID); s != nil {
			newPC[d.ID] = s
		}
	}

	// Removed sessions (in neither new CC nor new PC nor idle) are closed.
	for id, s := range m.cc {
		if _, stillCC := newCC[id]; !stillCC {
			if _, stillPC := newPC[id]; !stillPC {
				s.Close()
			}
		}
	}

	m.cc = newCC
	m.pc = newPC
	m.ccQuorum = ccQuorum
	m.pcQuorum = pcQuorum
	return nil
}

// seedPending arms a newly added session's sender with every operation
// from completedHead+1 up to (but excluding) tail still held in the queue.
// Missing operations (already cleaned) are skipped.
func (m *ReplicaManager) seedPending(s *session.Session, completedHead, tail lsn.LSN) {
	var ops []*operation.Operation
	for l := completedHead + 1; l < tail; l++ {
		if op, ok := m.q.Peek(l); ok {
			ops = append(ops, op)
		}
	}
	if len(ops) > 0 {
		s.AddReplicateOperations(ops, completedHead)
	}
}

// AddIdle registers a new idle (building) replica.
func (m *ReplicaManager) AddIdle(id string) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.lookupLocked(id); s != nil {
		return s
	}
	s := m.newSessionLocked(id)
	m.idle[id] = s
	return s
}

// RemoveReplica closes and forgets a replica entirely, from whichever set
// it currently belongs to.
func (m *ReplicaManager) RemoveReplica(id string) {
	m.mu.Lock()
	s := m.lookupLocked(id)
	delete(m.cc, id)
	delete(m.pc, id)
	delete(m.idle, id)
	m.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// BeginCatchup clears the must-catch-up flag on every non-faulted CC
// session that carries it, coalescing concurrent callers onto a single
// in-flight pass via singleflight. It returns as soon as the flags are
// cleared: it does not wait for any session's acks to reach a target LSN.
func (m *ReplicaManager) BeginCatchup(ctx context.Context) error {
	_, err, _ := m.catchupGroup.Do("catchup", func() (any, error) {
		m.mu.Lock()
		m.catchupRunning = true
		var laggards []*session.Session
		for _, s := range m.cc {
			if s.MustCatchUp() {
				laggards = append(laggards, s)
			}
		}
		m.mu.Unlock()

		for _, s := range laggards {
			if s.IsFaulted() {
				continue
			}
			// Only the flag changes; the session's sender and progress
			// are left as they are.
			s.SetMustCatchUp(false)
		}

		m.mu.Lock()
		m.catchupRunning = false
		m.mu.Unlock()
		return nil, nil
	})
	return err
}

// Progress exposes the current committed/completed/all-acked LSNs for
// status reporting.
func (m *ReplicaManager) Progress() (committed, completed, allAcked lsn.LSN) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.computeProgressLocked()
	return p.committed, p.completed, p.allAcked
}

// Close closes every session the manager owns, optionally waiting up to
// waitForQuorumTimeout for in-flight replicates to reach quorum first.
func (m *ReplicaManager) Close(waitForQuorumTimeout time.Duration) {
	if waitForQuorumTimeout > 0 {
		deadline := time.After(waitForQuorumTimeout)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
	waitLoop:
		for {
			m.mu.RLock()
			n := len(m.pendingReplicates)
			m.mu.RUnlock()
			if n == 0 {
				break
			}
			select {
			case <-deadline:
				break waitLoop
			case <-ticker.C:
			}
		}
	}

	m.mu.Lock()
	for seq, ch := range m.pendingReplicates {
		ch <- replerr.New(replerr.KindOperationCanceled, "Close", nil)
		delete(m.pendingReplicates, seq)
	}
	sessions := make([]*session.Session, 0, len(m.cc)+len(m.pc)+len(m.idle))
	seen := make(map[string]bool)
	for id, s := range m.cc {
		sessions = append(sessions, s)
		seen[id] = true
	}
	for id, s := range m.pc {
		if !seen[id] {
			sessions = append(sessions, s)
			seen[id] = true
		}
	}
	for id, s := range m.idle {
		if !seen[id] {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
