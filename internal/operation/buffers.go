package operation

import "sync/atomic"

// Buffers is an immutable, reference-counted bundle of wire-format byte
// segments. A single Buffers is shared, unmodified, across every
// ReplicationSession that still needs to send it to a peer; the backing
// arrays are never copied, only sliced and retained.
type Buffers struct {
	segs [][]byte
	refs atomic.Int32
}

// NewBuffers packages segs (not copied) into a ref-counted bundle with an
// initial reference count of 1.
func NewBuffers(segs [][]byte) *Buffers {
	b := &Buffers{segs: segs}
	b.refs.Store(1)
	return b
}

// Retain adds a reference and returns b for chaining at call sites that hand
// the bundle to another sender, e.g. sender.add(op.Buffers.Retain()).
func (b *Buffers) Retain() *Buffers {
	b.refs.Add(1)
	return b
}

// Release drops a reference. It returns true when this was the last
// reference, signaling the caller that memory accounting (OperationQueue's
// byte cap) may reclaim this bundle's size exactly once.
func (b *Buffers) Release() bool {
	return b.refs.Add(-1) == 0
}

// Segments returns the ordered byte segments. Callers must not mutate them.
func (b *Buffers) Segments() [][]byte {
	return b.segs
}

// Size returns the sum of all segment lengths.
func (b *Buffers) Size() int {
	n := 0
	for _, s := range b.segs {
		n += len(s)
	}
	return n
}
