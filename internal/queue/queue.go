// Package queue implements the OperationQueue: a ring-backed, sequence
// number-indexed container holding in-flight replication operations with
// sliding completed/head/committed/tail markers, dynamic capacity, and
// commit/complete/cleanup lifecycle.
//
// A Queue is not internally synchronized. It is always owned by exactly one
// role object (the primary's ReplicaManager or a secondary's receiver) and
// serialized by that owner's lock; see the concurrency model in SPEC_FULL.md
// §5.
package queue

import (
	"fmt"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/internal/replerr"
	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// Config controls a Queue's capacity management and lifecycle mode.
type Config struct {
	// InitialSize is the smallest ring capacity, rounded up to a power of
	// two > 1.
	InitialSize int64
	// MaxSize caps ring growth, rounded up to a power of two. Zero means
	// unbounded growth.
	MaxSize int64
	// MaxItems caps the number of live (populated) slots. Zero means
	// unbounded.
	MaxItems int64
	// MaxBytes caps the sum of live operations' DataSize. Zero means
	// unbounded.
	MaxBytes int64
	// CleanOnComplete releases a slot immediately when it completes (the
	// primary's mode). When false, completed items are retained (up to
	// MaxItems/MaxBytes) for retransmission to building idle peers (the
	// secondary's mode).
	CleanOnComplete bool
	// IgnoreCommit folds the Commit transition into Complete: used by
	// queues that never receive a separate commit() call (copy-context and
	// copy-stream receivers).
	IgnoreCommit bool
	// RequireServiceAck makes Complete's no-arg scan stop at the first
	// operation whose consumer ack has not yet arrived, even if the slot is
	// populated.
	RequireServiceAck bool
}

type slot struct {
	op         *operation.Operation
	populated  bool
	ackArrived bool
}

// Queue is the OperationQueue.
type Queue struct {
	cfg Config

	epoch epoch.Epoch

	slots []slot
	mask  int64

	completedHead lsn.LSN
	head          lsn.LSN
	committedHead lsn.LSN
	tail          lsn.LSN

	items int64
	bytes int64

	estimator capacityEstimator

	onCommit           func(*operation.Operation)
	lastObservedCommit lsn.LSN
}

// New creates a Queue starting at startLSN (the first LSN it will accept),
// with all four markers equal to startLSN.
func New(cfg Config, startLSN lsn.LSN) *Queue {
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = 256
	}
	cap0 := nextPow2(cfg.InitialSize)
	if cfg.MaxSize > 0 && cap0 > nextPow2(cfg.MaxSize) {
		cap0 = nextPow2(cfg.MaxSize)
	}
	q := &Queue{
		cfg:                 cfg,
		slots:               make([]slot, cap0),
		mask:                cap0 - 1,
		completedHead:       startLSN,
		head:                startLSN,
		committedHead:       startLSN,
		tail:                startLSN,
		lastObservedCommit:  startLSN,
	}
	return q
}

// Capacity returns the current ring size (always a power of two).
func (q *Queue) Capacity() int64 { return int64(len(q.slots)) }

// Markers returns the four sliding bounds, satisfying
// completedHead <= head <= committedHead <= tail.
func (q *Queue) Markers() (completedHead, head, committedHead, tail lsn.LSN) {
	return q.completedHead, q.head, q.committedHead, q.tail
}

// Epoch returns the epoch this queue currently records new operations under.
func (q *Queue) Epoch() epoch.Epoch { return q.epoch }

// SetEpoch records the epoch of the primary that will own subsequently
// enqueued operations. Callers must ensure LSNs strictly increase across the
// boundary (the queue itself does not track per-epoch LSN history).
func (q *Queue) SetEpoch(e epoch.Epoch) { q.epoch = e }

// Items returns the number of currently populated slots.
func (q *Queue) Items() int64 { return q.items }

// Bytes returns the sum of DataSize across currently populated slots.
func (q *Queue) Bytes() int64 { return q.bytes }

func (q *Queue) idx(l lsn.LSN) int64 { return int64(l) & q.mask }

// fatal panics: an invariant violation at this boundary is a coding error,
// per the error handling design (§7).
func fatal(format string, args ...any) {
	panic(fmt.Sprintf("operation queue invariant violated: "+format, args...))
}

// SetCommitCallback installs cb to be invoked (inline, under the owner's
// lock) for every operation as it transitions to committed. If the queue
// already has committed-but-not-yet-observed entries, cb fires for each of
// them now, in order, before this call returns.
func (q *Queue) SetCommitCallback(cb func(*operation.Operation)) {
	q.onCommit = cb
	if cb == nil {
		return
	}
	start := q.lastObservedCommit
	if start < q.completedHead {
		start = q.completedHead
	}
	for l := start; l < q.committedHead; l++ {
		sl := &q.slots[q.idx(l)]
		if sl.populated {
			cb(sl.op)
		}
	}
	q.lastObservedCommit = q.committedHead
}

func (q *Queue) fireCommit(op *operation.Operation) {
	if q.onCommit == nil {
		// Not observed yet: SetCommitCallback replays it later.
		return
	}
	q.onCommit(op)
	seq := op.SequenceNumber()
	if seq >= q.lastObservedCommit {
		q.lastObservedCommit = seq + 1
	}
}

// Enqueue places op at its sequence number's slot.
func (q *Queue) Enqueue(op *operation.Operation) error {
	l := op.SequenceNumber()
	if l <= 0 {
		fatal("enqueue with non-positive sequence number %d", int64(l))
	}
	if l < q.committedHead {
		return replerr.New(replerr.KindDuplicateOperation, "queue.Enqueue", nil)
	}
	if l < q.tail && q.slots[q.idx(l)].populated {
		return replerr.New(replerr.KindDuplicateOperation, "queue.Enqueue", nil)
	}

	size := int64(op.DataSize())
	if !q.hasRoom(size) {
		if !q.tryMakeRoom(l, size) {
			return replerr.New(replerr.KindQueueFull, "queue.Enqueue", nil)
		}
	}
	if !q.ensureCapacityFor(l) {
		return replerr.New(replerr.KindQueueFull, "queue.Enqueue", nil)
	}

	idx := q.idx(l)
	q.slots[idx] = slot{op: op, populated: true}
	q.items++
	q.bytes += size
	if l >= q.tail {
		q.tail = l + 1
	}
	return nil
}

func (q *Queue) hasRoom(size int64) bool {
	if q.cfg.MaxItems > 0 && q.items+1 > q.cfg.MaxItems {
		return false
	}
	if q.cfg.MaxBytes > 0 && q.bytes+size > q.cfg.MaxBytes {
		return false
	}
	return true
}

// ensureCapacityFor grows the ring (power-of-two doubling, jumping to the
// convergent estimate when available) until l's slot fits within the active
// window, or returns false if that would exceed MaxSize.
func (q *Queue) ensureCapacityFor(l lsn.LSN) bool {
	needed := int64(l-q.completedHead) + 1
	cur := int64(len(q.slots))
	if needed <= cur {
		return true
	}
	target := nextPow2(needed)
	if conv := q.estimator.convergent(); conv > target {
		target = conv
	}
	if q.cfg.MaxSize > 0 {
		max := nextPow2(q.cfg.MaxSize)
		if target > max {
			if needed > max {
				return false
			}
			target = max
		}
	}
	q.resize(target)
	q.estimator.observe(target)
	return true
}

func (q *Queue) resize(newCap int64) {
	newSlots := make([]slot, newCap)
	newMask := newCap - 1
	for l := q.completedHead; l < q.tail; l++ {
		old := &q.slots[q.idx(l)]
		if old.populated {
			newSlots[int64(l)&newMask] = *old
		}
	}
	q.slots = newSlots
	q.mask = newMask
}

// maybeShrink returns the ring toward InitialSize once utilization drops,
// never below InitialSize.
func (q *Queue) maybeShrink() {
	initCap := nextPow2(q.cfg.InitialSize)
	cur := int64(len(q.slots))
	if cur <= initCap {
		return
	}
	active := int64(q.tail - q.completedHead)
	// Shrink once the active window would comfortably fit in half the
	// current capacity.
	half := cur / 2
	if half < initCap || active > half/2 {
		return
	}
	target := half
	for target > initCap && active <= target/2 {
		target /= 2
	}
	if active > target {
		return
	}
	q.resize(target)
}

// tryMakeRoom attempts to free enough item/byte budget to enqueue an
// operation of the given size at lsn l: first by evicting retained completed
// items, then (if still short) by discarding pending operations above l.
func (q *Queue) tryMakeRoom(l lsn.LSN, size int64) bool {
	for q.completedHead < q.head && !q.hasRoom(size) {
		sl := &q.slots[q.idx(q.completedHead)]
		if sl.populated {
			sl.op.Cleanup()
			q.items--
			q.bytes -= int64(sl.op.DataSize())
			*sl = slot{}
		}
		q.completedHead++
	}
	if q.hasRoom(size) {
		return true
	}
	if !q.cfg.CleanOnComplete {
		if q.ensureCapacityFor(l) {
			// Expansion alone doesn't free budget, but re-check in case the
			// caller's byte/item caps were already satisfied by retained
			// eviction above.
			if q.hasRoom(size) {
				return true
			}
		}
	}
	for cur := q.tail - 1; cur > l && !q.hasRoom(size); cur-- {
		sl := &q.slots[q.idx(cur)]
		if sl.populated {
			freed := int64(sl.op.DataSize())
			sl.op.Cleanup()
			q.items--
			q.bytes -= freed
			*sl = slot{}
		}
		if cur == q.tail-1 {
			q.tail = cur
		}
	}
	if q.committedHead > q.tail {
		q.committedHead = q.tail
	}
	return q.hasRoom(size)
}

// NoteConsumerAck records that the consumer has acknowledged apply of l,
// unblocking Complete's RequireServiceAck gate for that slot.
func (q *Queue) NoteConsumerAck(l lsn.LSN) {
	if l < q.completedHead || l >= q.tail {
		return
	}
	sl := &q.slots[q.idx(l)]
	if sl.populated {
		sl.ackArrived = true
	}
}

// Commit advances committedHead contiguously from its current position
// while slots are populated, invoking op.Commit for each.
func (q *Queue) Commit() {
	for q.committedHead < q.tail {
		sl := &q.slots[q.idx(q.committedHead)]
		if !sl.populated {
			break
		}
		sl.op.Commit()
		q.fireCommit(sl.op)
		q.committedHead++
	}
}

// CommitUpTo advances committedHead through upTo (inclusive), asserting
// every intermediate slot is populated: the caller has an authoritative
// upper bound and a gap here is an invariant violation.
func (q *Queue) CommitUpTo(upTo lsn.LSN) {
	for q.committedHead <= upTo && q.committedHead < q.tail {
		sl := &q.slots[q.idx(q.committedHead)]
		if !sl.populated {
			fatal("CommitUpTo(%v): gap at %v", upTo, q.committedHead)
		}
		sl.op.Commit()
		q.fireCommit(sl.op)
		q.committedHead++
	}
}

// Complete advances head contiguously from its current position: bounded by
// committedHead unless IgnoreCommit folds Commit into this same scan, gated
// by RequireServiceAck when configured, stopping at the first gap.
func (q *Queue) Complete() {
	for q.head < q.tail {
		if !q.cfg.IgnoreCommit && q.head >= q.committedHead {
			break
		}
		sl := &q.slots[q.idx(q.head)]
		if !sl.populated {
			break
		}
		if q.cfg.RequireServiceAck && !sl.ackArrived {
			break
		}
		q.completeSlot(sl)
	}
	q.maybeShrink()
}

// CompleteUpTo advances head through upTo (inclusive), asserting every
// intermediate slot is populated.
func (q *Queue) CompleteUpTo(upTo lsn.LSN) {
	for q.head <= upTo && q.head < q.tail {
		sl := &q.slots[q.idx(q.head)]
		if !sl.populated {
			fatal("CompleteUpTo(%v): gap at %v", upTo, q.head)
		}
		q.completeSlot(sl)
	}
	q.maybeShrink()
}

func (q *Queue) completeSlot(sl *slot) {
	op := sl.op
	if q.cfg.IgnoreCommit {
		op.Commit()
		q.fireCommit(op)
		if q.committedHead <= q.head {
			q.committedHead = q.head + 1
		}
	}
	op.Complete()
	q.head++
	if q.cfg.CleanOnComplete {
		op.Cleanup()
		q.items--
		q.bytes -= int64(op.DataSize())
		*sl = slot{}
		q.completedHead = q.head
	} else {
		q.enforceRetainCap()
	}
}

// enforceRetainCap trims the oldest retained completed items when retention
// (MaxItems/MaxBytes, or simply a very stale completedHead) exceeds budget.
func (q *Queue) enforceRetainCap() {
	for q.completedHead < q.head {
		overItems := q.cfg.MaxItems > 0 && q.items > q.cfg.MaxItems
		overBytes := q.cfg.MaxBytes > 0 && q.bytes > q.cfg.MaxBytes
		if !overItems && !overBytes {
			return
		}
		sl := &q.slots[q.idx(q.completedHead)]
		if sl.populated {
			sl.op.Cleanup()
			q.items--
			q.bytes -= int64(sl.op.DataSize())
			*sl = slot{}
		}
		q.completedHead++
	}
}

// UpdateCommitHead sets committedHead forward through l (inclusive). Calls
// that would move it backward are ignored: acks are idempotent and
// monotonic, and a stale/reordered ack must not un-commit anything.
func (q *Queue) UpdateCommitHead(l lsn.LSN) {
	if l+1 <= q.committedHead {
		return
	}
	q.CommitUpTo(l)
}

// UpdateLastCompletedHead sets head forward through l (calling CompleteUpTo)
// or backward, clamped at completedHead so it never re-exposes a slot whose
// memory has already been released.
func (q *Queue) UpdateLastCompletedHead(l lsn.LSN) {
	target := l + 1
	switch {
	case target > q.head:
		q.CompleteUpTo(l)
	case target < q.head:
		if target < q.completedHead {
			target = q.completedHead
		}
		q.head = target
	}
}

// Reset drops every entry (invoking Cleanup on populated slots) and resets
// all four markers to startLSN, shrinking back to InitialSize.
func (q *Queue) Reset(startLSN lsn.LSN) {
	for l := q.completedHead; l < q.tail; l++ {
		sl := &q.slots[q.idx(l)]
		if sl.populated {
			sl.op.Cleanup()
		}
	}
	cap0 := nextPow2(q.cfg.InitialSize)
	q.slots = make([]slot, cap0)
	q.mask = cap0 - 1
	q.completedHead = startLSN
	q.head = startLSN
	q.committedHead = startLSN
	q.tail = startLSN
	q.items = 0
	q.bytes = 0
	q.lastObservedCommit = startLSN
}

// DiscardPending drops every slot in [fromLSN, tail), invoking Cleanup,
// truncating tail to fromLSN and clamping committedHead (and head, in the
// unusual case fromLSN falls below it) to the new tail.
func (q *Queue) DiscardPending(fromLSN lsn.LSN) {
	for l := fromLSN; l < q.tail; l++ {
		sl := &q.slots[q.idx(l)]
		if sl.populated {
			sl.op.Cleanup()
			q.items--
			q.bytes -= int64(sl.op.DataSize())
			*sl = slot{}
		}
	}
	q.tail = fromLSN
	if q.committedHead > q.tail {
		q.committedHead = q.tail
	}
	if q.head > q.tail {
		q.head = q.tail
	}
	if q.completedHead > q.tail {
		q.completedHead = q.tail
	}
}

// Peek returns the operation at l and whether its slot is populated.
func (q *Queue) Peek(l lsn.LSN) (*operation.Operation, bool) {
	if l < q.completedHead || l >= q.tail {
		return nil, false
	}
	sl := &q.slots[q.idx(l)]
	if !sl.populated {
		return nil, false
	}
	return sl.op, true
}

// OldestPending returns the oldest not-yet-completed operation (the first
// populated slot at or after head), used by slow secondary detection to
// measure the oldest op's age. ok is false if there is nothing pending.
func (q *Queue) OldestPending() (op *operation.Operation, ok bool) {
	for l := q.head; l < q.tail; l++ {
		if sl := &q.slots[q.idx(l)]; sl.populated {
			return sl.op, true
		}
	}
	return nil, false
}
