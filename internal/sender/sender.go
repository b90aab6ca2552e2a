// Package sender implements the per-peer retry-until-acked delivery loop
// used by a primary to push operations to one secondary.
package sender

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// State is the lifecycle state of a ReliableOperationSender.
type State int

const (
	// Idle means nothing is outstanding; the last Add either hasn't
	// happened yet or everything sent so far has been acked.
	Idle State = iota
	// Armed means operations are queued but the retry loop hasn't fired a
	// send attempt for them yet.
	Armed
	// Sending means a send attempt is in flight or was just made and the
	// sender is waiting on the retry interval before trying again.
	Sending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Armed:
		return "Armed"
	case Sending:
		return "Sending"
	default:
		return "Unknown"
	}
}

// SendFunc delivers one operation to the remote peer. It should return
// promptly; long blocking belongs in the transport's own timeout handling,
// not here.
type SendFunc func(ctx context.Context, op *operation.Operation) error

// Config tunes retry cadence.
type Config struct {
	// RetryInterval is how long to wait after a send attempt before
	// retrying an operation that hasn't been acked yet.
	RetryInterval time.Duration
	// DecayFactor and DecayInterval parameterize the round-trip time
	// estimate fed back into the ReplicaManager for slow-secondary
	// detection. Zero DecayFactor disables decay (last sample wins).
	DecayFactor   float64
	DecayInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = time.Second
	}
	return c
}

type pendingOp struct {
	op          *operation.Operation
	firstSentAt time.Time
	lastSentAt  time.Time
	attempts    int
}

// ReliableOperationSender retries delivery of operations to a single peer
// until each is acknowledged, in sequence-number order. It owns no
// knowledge of quorum: ProcessAck just retires operations at or below the
// acked sequence number.
type ReliableOperationSender struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	state   State
	pending map[lsn.LSN]*pendingOp
	order   []lsn.LSN // ascending sequence numbers currently pending

	rtt      *DecayAverage
	send     SendFunc
	done     chan struct{}
	wg       sync.WaitGroup
	lastAck  lsn.LSN
	isClosed bool
}

// New creates a ReliableOperationSender. It does nothing until Open is
// called.
func New(cfg Config, logger zerolog.Logger) *ReliableOperationSender {
	cfg = cfg.withDefaults()
	return &ReliableOperationSender{
		cfg:     cfg,
		logger:  logger.With().Str("component", "reliable-sender").Logger(),
		pending: make(map[lsn.LSN]*pendingOp),
		rtt:     NewDecayAverage(cfg.DecayFactor, cfg.DecayInterval),
		state:   Idle,
	}
}

// RetryInterval returns the resolved retry interval (defaults applied),
// usable by collaborators that need to reuse the same cadence, e.g. the
// owning session's induce-fault retry loop.
func (s *ReliableOperationSender) RetryInterval() time.Duration {
	return s.cfg.RetryInterval
}

// Open starts the retry loop, using sendFn to deliver each attempt. Open
// must be called exactly once before Add.
func (s *ReliableOperationSender) Open(sendFn SendFunc) {
	s.mu.Lock()
	s.send = sendFn
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.retryLoop()
}

// Close stops the retry loop and releases all pending operations without
// acking them (the caller is responsible for failing them if needed).
func (s *ReliableOperationSender) Close() {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return
	}
	s.isClosed = true
	done := s.done
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	s.wg.Wait()
}

// State returns the current lifecycle state.
func (s *ReliableOperationSender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RTT returns the current decayed round-trip time estimate.
func (s *ReliableOperationSender) RTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt.Value()
}

// Add queues op for delivery and attempts an immediate send. Operations
// must be added in non-decreasing sequence-number order; this mirrors the
// order operations are committed into the queue.
func (s *ReliableOperationSender) Add(op *operation.Operation) {
	seq := op.SequenceNumber()

	s.mu.Lock()
	if seq <= s.lastAck {
		s.mu.Unlock() // already acked, e.g. replayed after a reconnect
		return
	}
	if _, exists := s.pending[seq]; exists {
		s.mu.Unlock()
		return
	}
	s.pending[seq] = &pendingOp{op: op}
	s.order = append(s.order, seq)
	s.state = Armed
	s.mu.Unlock()

	s.attempt(seq)
}

// ProcessAck retires every pending operation with sequence number <= ackLSN
// and feeds the elapsed round-trip time into the decay average.
func (s *ReliableOperationSender) ProcessAck(ackLSN lsn.LSN) {
	s.mu.Lock()
	if ackLSN <= s.lastAck {
		s.mu.Unlock()
		return
	}
	s.lastAck = ackLSN

	remaining := s.order[:0]
	now := time.Now()
	for _, seq := range s.order {
		if seq > ackLSN {
			remaining = append(remaining, seq)
			continue
		}
		if po, ok := s.pending[seq]; ok {
			if !po.firstSentAt.IsZero() {
				s.rtt.Update(now.Sub(po.firstSentAt))
			}
			delete(s.pending, seq)
		}
	}
	s.order = remaining
	if len(s.pending) == 0 {
		s.state = Idle
	}
	s.mu.Unlock()
}

// Pending returns the number of operations awaiting acknowledgment.
func (s *ReliableOperationSender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *ReliableOperationSender) attempt(seq lsn.LSN) {
	s.mu.Lock()
	po, ok := s.pending[seq]
	send := s.send
	if ok {
		po.attempts++
		po.lastSentAt = time.Now()
		if po.firstSentAt.IsZero() {
			po.firstSentAt = po.lastSentAt
		}
		s.state = Sending
	}
	s.mu.Unlock()

	if !ok || send == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RetryInterval)
	defer cancel()

	if err := send(ctx, po.op); err != nil {
		s.logger.Warn().Err(err).Int64("seq", int64(seq)).Int("attempts", po.attempts).
			Msg("send attempt failed, will retry")
	}
}

func (s *ReliableOperationSender) retryLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.retryDue()
		}
	}
}

func (s *ReliableOperationSender) retryDue() {
	s.mu.Lock()
	due := make([]lsn.LSN, 0, len(s.order))
	cutoff := time.Now().Add(-s.cfg.RetryInterval)
	for _, seq := range s.order {
		if po, ok := s.pending[seq]; ok && po.lastSentAt.Before(cutoff) {
			due = append(due, seq)
		}
	}
	s.mu.Unlock()

	for _, seq := range due {
		s.attempt(seq)
	}
}

// ErrNotOpen names the use of a sender before Open. No method of
// ReliableOperationSender returns it: an Add before Open queues the
// operation without sending it.
var ErrNotOpen = fmt.Errorf("reliable operation sender: not open")
