// Package operation models the ComOperation: the unit of replication between
// a primary and its secondaries, from enqueue through commit, completion,
// and cleanup.
package operation

import (
	"sync"
	"time"

	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// Type distinguishes the three operation shapes that flow through a queue.
type Type int

const (
	// Normal carries user/state-provider data at a specific LSN.
	Normal Type = iota
	// EndOfStream is a synthetic terminator enqueued on role close or
	// consumer fault, never followed by another operation in that epoch.
	EndOfStream
	// StartCopy marks the replication start LSN sent to a building idle
	// secondary; it carries no buffers.
	StartCopy
)

func (t Type) String() string {
	switch t {
	case Normal:
		return "Normal"
	case EndOfStream:
		return "EndOfStream"
	case StartCopy:
		return "StartCopy"
	default:
		return "Unknown"
	}
}

// Metadata is the per-operation identity carried independent of payload.
type Metadata struct {
	Type            Type
	SequenceNumber  lsn.LSN
	AtomicGroupID   int64
}

// AckCallback is invoked exactly once when the consumer of an Operation
// (the state provider, via an OperationStream) has acknowledged apply.
type AckCallback func(err error)

// Operation is the in-memory representation of one replicated unit: the
// ComOperation of the data model. It is shared (reference counted at the
// Buffers level) across every ReplicationSession that still has to send it;
// Cleanup is the terminal, once-only lifecycle transition.
type Operation struct {
	Metadata Metadata
	Epoch    epoch.Epoch
	Buffers  *Buffers

	mu          sync.Mutex
	ack         AckCallback
	enqueuedAt  time.Time
	committedAt time.Time
	completedAt time.Time
	cleanedAt   time.Time
	committed   bool
	completed   bool
	cleaned     bool
}

// New builds an Operation, stamping EnqueuedAt to now.
func New(meta Metadata, e epoch.Epoch, bufs *Buffers, ack AckCallback) *Operation {
	if bufs == nil {
		bufs = NewBuffers(nil)
	}
	return &Operation{
		Metadata:   meta,
		Epoch:      e,
		Buffers:    bufs,
		ack:        ack,
		enqueuedAt: time.Now(),
	}
}

// DataSize returns the sum of the operation's buffer segment sizes.
func (o *Operation) DataSize() int {
	return o.Buffers.Size()
}

// SequenceNumber is a convenience accessor for Metadata.SequenceNumber.
func (o *Operation) SequenceNumber() lsn.LSN { return o.Metadata.SequenceNumber }

// EnqueuedAt returns the time New was called.
func (o *Operation) EnqueuedAt() time.Time { return o.enqueuedAt }

// Commit stamps CommittedAt on first call; later calls are no-ops. On a
// primary "commit" means "receive-acked by quorum"; on a secondary it means
// "dispatched to the consumer". Must not block — callers invoke it while
// holding the owning queue's lock.
func (o *Operation) Commit() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.committed {
		return
	}
	o.committed = true
	o.committedAt = time.Now()
}

// Completed reports whether Complete has already run.
func (o *Operation) Completed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completed
}

// Complete stamps CompletedAt on first call and invokes the ack callback
// (nil error: the normal, successful path). Later calls are no-ops.
func (o *Operation) Complete() {
	o.mu.Lock()
	if o.completed {
		o.mu.Unlock()
		return
	}
	o.completed = true
	o.completedAt = time.Now()
	cb := o.ack
	o.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
}

// Fail completes the operation with a non-nil error, used when a role faults
// before this operation was ever acked.
func (o *Operation) Fail(err error) {
	o.mu.Lock()
	if o.completed {
		o.mu.Unlock()
		return
	}
	o.completed = true
	o.completedAt = time.Now()
	cb := o.ack
	o.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// Cleanup stamps CleanedAt and releases this operation's reference to its
// Buffers. Safe to call multiple times; only the first call (the last shared
// observer releasing the operation) has effect.
func (o *Operation) Cleanup() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cleaned {
		return
	}
	o.cleaned = true
	o.cleanedAt = time.Now()
	o.Buffers.Release()
}

// Timestamps returns the four lifecycle stamps for diagnostics/metrics. Zero
// time.Time means the transition has not yet occurred.
func (o *Operation) Timestamps() (enqueued, committed, completed, cleaned time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enqueuedAt, o.committedAt, o.completedAt, o.cleanedAt
}
