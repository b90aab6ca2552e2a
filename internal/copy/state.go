// Package copy drives the build protocol that brings an idle replica up to
// date: CopySender streams operations from the state provider to a single
// building replica, and CopyContextReceiver accepts the replica's own
// context operations on the primary side for persisted-state services.
package copy

import (
	"fmt"

	"github.com/jfoltran/replicator/pkg/lsn"
)

// State is the lifecycle of one session's copy.
type State int

const (
	NotStarted State = iota
	Started
	LSNSet
	ReplCompleted
	Completed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Started:
		return "Started"
	case LSNSet:
		return "LSNSet"
	case ReplCompleted:
		return "ReplCompleted"
	case Completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

// Machine is the per-session copy state machine described in the build
// protocol: it tracks how far the copy-stream enumeration has gotten and
// whether replication has caught up to the point copy finished at.
type Machine struct {
	state        State
	lastCopyLSN  lsn.LSN
	lastReplLSN  lsn.LSN
	waitForAcks  bool
	receiveAcked bool
	finishErr    error
}

// NewMachine creates a Machine. waitForReplAck controls whether the
// protocol requires draining replication acks up to lastReplLSN before
// considering copy complete (true for ordinary builds; false when the
// state provider's copy stream already encodes everything needed).
func NewMachine(waitForReplAck bool) *Machine {
	return &Machine{state: NotStarted, waitForAcks: waitForReplAck}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Begin transitions NotStarted -> Started.
func (m *Machine) Begin() error {
	if m.state != NotStarted {
		return fmt.Errorf("copy: Begin called from state %s", m.state)
	}
	m.state = Started
	return nil
}

// SetLSNs records the final copy and replication LSNs once the state
// provider's enumerator yields its last operation, moving to LSNSet (or
// straight to ReplCompleted if the protocol doesn't require waiting on
// replication acks).
func (m *Machine) SetLSNs(lastCopyLSN, lastReplLSN lsn.LSN) error {
	if m.state != Started {
		return fmt.Errorf("copy: SetLSNs called from state %s", m.state)
	}
	m.lastCopyLSN = lastCopyLSN
	m.lastReplLSN = lastReplLSN
	if !m.waitForAcks {
		m.state = ReplCompleted
		return nil
	}
	m.state = LSNSet
	return nil
}

// UpdateReplicationLSN monotonically raises the replication LSN copy is
// waiting on, while still in LSNSet.
func (m *Machine) UpdateReplicationLSN(l lsn.LSN) {
	if m.state != LSNSet {
		return
	}
	if l > m.lastReplLSN {
		m.lastReplLSN = l
	}
}

// TryCompleteReplication transitions LSNSet -> ReplCompleted once seq has
// reached the replication LSN copy was waiting on.
func (m *Machine) TryCompleteReplication(seq lsn.LSN) bool {
	if m.state != LSNSet {
		return false
	}
	if seq < m.lastReplLSN {
		return false
	}
	m.state = ReplCompleted
	return true
}

// Finish transitions to Completed. success must only be true from
// {LSNSet, ReplCompleted}; a failure can be recorded from any state.
func (m *Machine) Finish(success bool, cause error) error {
	if success && m.state != LSNSet && m.state != ReplCompleted {
		return fmt.Errorf("copy: Finish(success) called from state %s", m.state)
	}
	m.state = Completed
	if !success {
		m.finishErr = cause
	}
	return nil
}

// LastCopyLSN returns the final LSN enumerated by the copy stream.
func (m *Machine) LastCopyLSN() lsn.LSN { return m.lastCopyLSN }

// LastReplicationLSN returns the replication LSN copy is (or was) waiting
// to observe before declaring completion.
func (m *Machine) LastReplicationLSN() lsn.LSN { return m.lastReplLSN }

// FinishError returns the error recorded by a failed Finish, or nil.
func (m *Machine) FinishError() error { return m.finishErr }

// MarkReceiveAcked records that the last copy operation has been
// receive-acked by the peer.
func (m *Machine) MarkReceiveAcked() { m.receiveAcked = true }

// Done reports whether the build is fully complete: the last copy op is
// receive-acked and replication has caught up to ReplCompleted.
func (m *Machine) Done() bool {
	return m.receiveAcked && m.state == ReplCompleted
}
