// Package replicator implements the outer Replicator state machine: the
// single role (None/Primary/Idle/Active) a replica plays at any moment,
// with controlled transitions that move the replication sequence across
// role objects without losing a single LSN.
package replicator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/internal/opstream"
	"github.com/jfoltran/replicator/internal/primary"
	"github.com/jfoltran/replicator/internal/replerr"
	"github.com/jfoltran/replicator/internal/replicamgr"
	"github.com/jfoltran/replicator/internal/secondary"
	"github.com/jfoltran/replicator/internal/sender"
	"github.com/jfoltran/replicator/internal/stateprovider"
	"github.com/jfoltran/replicator/internal/wire"
	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// State is a node in the Replicator's lifecycle.
type State int

const (
	StateCreated State = iota
	StateOpened
	StatePrimary
	StateSecondaryIdle
	StateSecondaryActive
	StateChangingRole
	StateClosing
	StateClosed
	StateAborting
	StateAborted
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateOpened:
		return "Opened"
	case StatePrimary:
		return "Primary"
	case StateSecondaryIdle:
		return "SecondaryIdle"
	case StateSecondaryActive:
		return "SecondaryActive"
	case StateChangingRole:
		return "ChangingRole"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateAborting:
		return "Aborting"
	case StateAborted:
		return "Aborted"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// Role is the replication role a Replicator currently plays.
type Role int

const (
	RoleNone Role = iota
	RolePrimary
	RoleIdle
	RoleActive
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "Primary"
	case RoleIdle:
		return "Idle"
	case RoleActive:
		return "Active"
	default:
		return "None"
	}
}

// Config bundles the primary- and secondary-role configuration used
// whenever ChangeRole constructs a new role object.
type Config struct {
	Primary   primary.Config
	Secondary secondary.Config
}

// Callbacks are the transport-facing hooks a Replicator needs regardless of
// which role it currently plays.
type Callbacks struct {
	OpenTransport   func(peerID string) sender.SendFunc
	CopySend        func(peerID string, payload wire.CopyOperationPayload) error
	InduceFaultSend func(peerID, reason string) error
	SendReplAck     func(wire.AckPayload)
}

// Replicator is the single top-level role owner for one replica. It owns at
// most one of a *primary.Replicator or *secondary.Replicator at a time and
// routes inbound transport messages to whichever is active.
type Replicator struct {
	cfg      Config
	cb       Callbacks
	provider stateprovider.Provider
	logger   zerolog.Logger

	mu      sync.RWMutex
	state   State
	role    Role
	epoch   epoch.Epoch
	lastLSN lsn.LSN
	primary *primary.Replicator
	secnd   *secondary.Replicator
	faulted error
}

// New creates a Replicator in the Created state. Call Open before any other
// method.
func New(cfg Config, provider stateprovider.Provider, cb Callbacks, logger zerolog.Logger) *Replicator {
	return &Replicator{
		cfg:      cfg,
		cb:       cb,
		provider: provider,
		logger:   logger.With().Str("component", "replicator").Logger(),
		state:    StateCreated,
	}
}

// Open transitions Created → Opened, fixing the starting sequence number
// and playing RoleNone until the first ChangeRole.
func (r *Replicator) Open(startLSN lsn.LSN) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCreated {
		return replerr.New(replerr.KindInvalidState, "Open", fmt.Errorf("replicator is %s, want Created", r.state))
	}
	r.state = StateOpened
	r.role = RoleNone
	r.lastLSN = startLSN
	return nil
}

// State returns the current lifecycle state.
func (r *Replicator) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Role returns the role currently played.
func (r *Replicator) Role() Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.role
}

func (r *Replicator) allowsChangeRoleLocked() bool {
	switch r.state {
	case StateOpened, StatePrimary, StateSecondaryIdle, StateSecondaryActive:
		return true
	default:
		return false
	}
}

// ChangeRole composes the close of the outgoing role object with the
// construction of the incoming one, carrying the replication sequence
// forward by LSN continuity so no operation number is skipped or reused.
// UpdateEpoch on the new role must succeed before it replaces the old one:
// on failure the Replicator faults and the old role (already closed) is not
// restored, leaving no role object in place.
func (r *Replicator) ChangeRole(ctx context.Context, target Role, e epoch.Epoch) error {
	r.mu.Lock()
	if !r.allowsChangeRoleLocked() {
		state := r.state
		r.mu.Unlock()
		return replerr.New(replerr.KindInvalidState, "ChangeRole", fmt.Errorf("replicator is %s", state))
	}
	if r.epoch.IsValid() && !e.GreaterThan(r.epoch) {
		cur := r.epoch
		r.mu.Unlock()
		return replerr.New(replerr.KindInvalidEpoch, "ChangeRole", fmt.Errorf("epoch %s is not greater than current %s", e, cur))
	}

	oldPrimary, oldSecondary := r.primary, r.secnd
	startLSN := r.lastLSN
	r.state = StateChangingRole
	r.mu.Unlock()

	switch {
	case oldPrimary != nil:
		startLSN = oldPrimary.LastLSN()
		oldPrimary.Close()
	case oldSecondary != nil:
		startLSN = oldSecondary.LastLSN()
		oldSecondary.Close()
	}

	var newPrimary *primary.Replicator
	var newSecondary *secondary.Replicator

	switch target {
	case RolePrimary:
		newPrimary = primary.New(r.cfg.Primary, startLSN, e, r.provider, r.cb.OpenTransport, r.cb.CopySend, r.cb.InduceFaultSend, r.logger)
		if err := newPrimary.UpdateEpoch(e); err != nil {
			return r.faultLocked("ChangeRole", err)
		}
	case RoleIdle, RoleActive:
		newSecondary = secondary.New(r.cfg.Secondary, r.provider, startLSN, r.cb.SendReplAck, r.logger)
		if err := newSecondary.UpdateEpoch(ctx, e, startLSN-1); err != nil {
			return r.faultLocked("ChangeRole", err)
		}
	case RoleNone:
		// no replacement role object; RoleNone plays no part until the
		// next ChangeRole.
	}

	r.mu.Lock()
	r.primary = newPrimary
	r.secnd = newSecondary
	r.role = target
	r.epoch = e
	r.lastLSN = startLSN
	switch target {
	case RolePrimary:
		r.state = StatePrimary
	case RoleIdle:
		r.state = StateSecondaryIdle
	case RoleActive:
		r.state = StateSecondaryActive
	case RoleNone:
		r.state = StateOpened
	}
	r.mu.Unlock()
	return nil
}

func (r *Replicator) faultLocked(op string, cause error) error {
	r.mu.Lock()
	r.state = StateFaulted
	r.faulted = cause
	r.primary = nil
	r.secnd = nil
	r.mu.Unlock()
	r.logger.Error().Err(cause).Str("op", op).Msg("replicator faulted")
	return replerr.New(replerr.KindReplicatorInternalError, op, cause)
}

// Faulted returns the error that faulted this replicator, if any.
func (r *Replicator) Faulted() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.faulted
}

// Primary returns the active primary-role façade, or nil if not playing
// RolePrimary.
func (r *Replicator) Primary() *primary.Replicator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// Secondary returns the active secondary-role façade, or nil if not playing
// RoleIdle/RoleActive.
func (r *Replicator) Secondary() *secondary.Replicator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.secnd
}

// Replicate delegates to the primary role, failing if this Replicator isn't
// currently primary.
func (r *Replicator) Replicate(ctx context.Context, op *operation.Operation) error {
	p := r.Primary()
	if p == nil {
		return replerr.New(replerr.KindNotPrimary, "Replicate", nil)
	}
	return p.Replicate(ctx, op)
}

// UpdateConfiguration delegates to the primary role.
func (r *Replicator) UpdateConfiguration(cc []replicamgr.ReplicaDescriptor, ccQuorum int, pc []replicamgr.ReplicaDescriptor, pcQuorum int) error {
	p := r.Primary()
	if p == nil {
		return replerr.New(replerr.KindNotPrimary, "UpdateConfiguration", nil)
	}
	return p.UpdateConfiguration(cc, ccQuorum, pc, pcQuorum)
}

// ReplicationStream returns the consumer-facing replication stream for the
// secondary role, or nil if not currently a secondary.
func (r *Replicator) ReplicationStream() *opstream.Stream {
	s := r.Secondary()
	if s == nil {
		return nil
	}
	return s.ReplicationStream()
}

// Close transitions toward Closed, closing whichever role is active.
func (r *Replicator) Close() {
	r.mu.Lock()
	if r.state == StateClosed || r.state == StateClosing || r.state == StateAborted {
		r.mu.Unlock()
		return
	}
	r.state = StateClosing
	p, s := r.primary, r.secnd
	r.mu.Unlock()

	if p != nil {
		p.Close()
	}
	if s != nil {
		s.Close()
	}

	r.mu.Lock()
	r.state = StateClosed
	r.primary = nil
	r.secnd = nil
	r.mu.Unlock()
}

// Abort is the non-graceful counterpart of Close: it skips the quorum wait
// and any in-flight protocol steps, immediately discarding both role
// objects.
func (r *Replicator) Abort() {
	r.mu.Lock()
	if r.state == StateAborted {
		r.mu.Unlock()
		return
	}
	r.state = StateAborting
	p, s := r.primary, r.secnd
	r.mu.Unlock()

	if p != nil {
		p.Close()
	}
	if s != nil {
		s.Close()
	}

	r.mu.Lock()
	r.state = StateAborted
	r.primary = nil
	r.secnd = nil
	r.mu.Unlock()
}
