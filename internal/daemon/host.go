// Package daemon hosts a single Replicator as a long-running process: it
// owns the Postgres-backed state provider, the websocket transport peers
// dial into, and the glue routing inbound wire messages to the right role
// object. cmd/replicator's serve subcommand is a thin wrapper around Host.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/appconfig"
	"github.com/jfoltran/replicator/internal/config"
	"github.com/jfoltran/replicator/internal/metrics"
	"github.com/jfoltran/replicator/internal/operation"
	"github.com/jfoltran/replicator/internal/primary"
	"github.com/jfoltran/replicator/internal/replicamgr"
	"github.com/jfoltran/replicator/internal/replicator"
	"github.com/jfoltran/replicator/internal/secondary"
	"github.com/jfoltran/replicator/internal/sender"
	"github.com/jfoltran/replicator/internal/stateprovider/pg"
	"github.com/jfoltran/replicator/internal/transport"
	"github.com/jfoltran/replicator/internal/wire"
	"github.com/jfoltran/replicator/pkg/epoch"
)

// Host wires one Replicator to its state provider and transport, and keeps
// a metrics.Collector fed from both.
type Host struct {
	id        string
	selfAddr  string
	logger    zerolog.Logger
	collector *metrics.Collector
	tuning    config.Config

	provider  *pg.Provider
	transport *transport.WebsocketTransport

	mu       sync.RWMutex
	peers    map[string]string // replica ID -> address
	rep      *replicator.Replicator
}

// NewHost creates a Host for one partition, ready for Open.
func NewHost(part appconfig.PartitionConfig, selfAddr string, logger zerolog.Logger) *Host {
	peers := make(map[string]string, len(part.Peers))
	for _, p := range part.Peers {
		peers[p.ID] = p.Address
	}
	l := logger.With().Str("component", "host").Str("partition", part.ID).Logger()
	return &Host{
		id:        part.ID,
		selfAddr:  selfAddr,
		logger:    l,
		collector: metrics.NewCollector(l),
		tuning:    part.Tuning,
		transport: transport.NewWebsocketTransport(transport.Config{}, l),
		peers:     peers,
	}
}

// Collector returns the metrics collector callers should read for status
// and feed to a server.Server / tui.Model.
func (h *Host) Collector() *metrics.Collector {
	return h.collector
}

// Transport returns the websocket transport, whose ServeHTTP the hosting
// HTTP server mounts so peers can dial in.
func (h *Host) Transport() *transport.WebsocketTransport {
	return h.transport
}

// Open connects the state provider, builds the Replicator, registers the
// inbound actor, and resumes from the last committed sequence number.
func (h *Host) Open(ctx context.Context, databaseURL string) error {
	provider, err := pg.Open(ctx, databaseURL, pg.Config{}, h.logger)
	if err != nil {
		return fmt.Errorf("open state provider: %w", err)
	}
	h.provider = provider

	startLSN, err := provider.GetLastCommittedSequenceNumber(ctx)
	if err != nil {
		provider.Close()
		return fmt.Errorf("get last committed sequence number: %w", err)
	}

	rep := replicator.New(replicator.Config{
		Primary: primary.Config{
			WaitForQuorumTimeout: h.tuning.Quorum.WaitForQuorumTimeout,
			ManagerConfig: replicamgr.Config{
				AllowMultipleQuorumSet:        h.tuning.Quorum.AllowMultipleQuorumSet,
				SlowSecondaryRestartAtPercent: float64(h.tuning.Quorum.SlowSecondaryRestartAtPercent) / 100,
				AdditionalReplicaRetain:       h.tuning.Quorum.AdditionalRetain,
				SlowRestartAtAge:              h.tuning.Quorum.SlowRestartAtAge,
				SenderConfig: sender.Config{
					RetryInterval: h.tuning.Sender.RetryInterval,
				},
			},
		},
		Secondary: secondary.Config{},
	}, provider, h.callbacks(), h.logger)

	if err := rep.Open(startLSN); err != nil {
		provider.Close()
		return fmt.Errorf("open replicator: %w", err)
	}

	h.mu.Lock()
	h.rep = rep
	h.mu.Unlock()

	h.transport.RegisterActor(h.id, h.dispatch)
	h.collector.SetState(rep.State().String())
	h.collector.SetRole(rep.Role().String())
	return nil
}

// Replicator returns the hosted Replicator, or nil before Open.
func (h *Host) Replicator() *replicator.Replicator {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rep
}

// ChangeRole transitions the hosted Replicator, refreshing the metrics
// snapshot's role/state/epoch fields on success.
func (h *Host) ChangeRole(ctx context.Context, target replicator.Role, e epoch.Epoch) error {
	rep := h.Replicator()
	if rep == nil {
		return fmt.Errorf("host %s: not open", h.id)
	}
	if err := rep.ChangeRole(ctx, target, e); err != nil {
		return err
	}
	h.collector.SetState(rep.State().String())
	h.collector.SetRole(rep.Role().String())
	h.collector.SetEpoch(e.String())
	return nil
}

// ReplicateBytes wraps raw application bytes in an Operation and hands it
// to the hosted Replicator, the path an upstream application client takes
// to write through this replica.
func (h *Host) ReplicateBytes(ctx context.Context, buf []byte) error {
	rep := h.Replicator()
	if rep == nil {
		return fmt.Errorf("host %s: not open", h.id)
	}
	op := operation.New(operation.Metadata{Type: operation.Normal}, epoch.Epoch{}, operation.NewBuffers([][]byte{buf}), nil)
	if err := rep.Replicate(ctx, op); err != nil {
		h.collector.RecordFault(err)
		return err
	}
	committed, completed, allAcked := rep.Primary().Progress()
	h.collector.RecordProgress(committed, completed, allAcked)
	h.collector.RecordOperations(1, int64(len(buf)))
	return nil
}

// InduceFault broadcasts InduceFault to every known peer, used by the CLI's
// induce-fault subcommand to test recovery paths.
func (h *Host) InduceFault(ctx context.Context, reason string) {
	h.mu.RLock()
	peers := make(map[string]string, len(h.peers))
	for id, addr := range h.peers {
		peers[id] = addr
	}
	h.mu.RUnlock()

	for id, addr := range peers {
		msg := wire.Message{
			From:   wire.FromHeader{Address: h.selfAddr, EndpointID: h.id},
			Actor:  wire.ActorHeader{EndpointID: id},
			Action: wire.ActionHeader{Name: wire.ActionInduceFault},
			Payload: wire.InduceFaultPayload{Reason: reason},
		}
		if err := h.transport.Send(ctx, transport.Endpoint{Address: addr, EndpointID: id}, msg); err != nil {
			h.logger.Warn().Err(err).Str("peer", id).Msg("induce fault send failed")
		}
	}
	h.collector.RecordFault(fmt.Errorf("induced: %s", reason))
}

// Close shuts the hosted Replicator, transport, and state provider down.
func (h *Host) Close() {
	h.mu.Lock()
	rep := h.rep
	h.rep = nil
	h.mu.Unlock()

	if rep != nil {
		rep.Close()
	}
	h.transport.Close()
	if h.provider != nil {
		h.provider.Close()
	}
	h.collector.Close()
}

// callbacks builds the Replicator's transport-facing hooks around this
// Host's WebsocketTransport.
func (h *Host) callbacks() replicator.Callbacks {
	return replicator.Callbacks{
		OpenTransport: func(peerID string) sender.SendFunc {
			return func(ctx context.Context, op *operation.Operation) error {
				return h.sendReplicationOp(ctx, peerID, op)
			}
		},
		CopySend: func(peerID string, payload wire.CopyOperationPayload) error {
			return h.send(context.Background(), peerID, wire.ActionCopyOperation, payload)
		},
		InduceFaultSend: func(peerID, reason string) error {
			return h.send(context.Background(), peerID, wire.ActionInduceFault, wire.InduceFaultPayload{Reason: reason})
		},
		SendReplAck: func(ack wire.AckPayload) {
			// Acks address whichever peer this Host currently talks to as a
			// secondary; with one upstream primary per partition, that's the
			// sole configured peer.
			h.mu.RLock()
			var primaryID string
			for id := range h.peers {
				primaryID = id
				break
			}
			h.mu.RUnlock()
			if primaryID == "" {
				return
			}
			if err := h.send(context.Background(), primaryID, wire.ActionReplicationAck, ack); err != nil {
				h.logger.Warn().Err(err).Msg("send ack failed")
			}
		},
	}
}

func (h *Host) sendReplicationOp(ctx context.Context, peerID string, op *operation.Operation) error {
	payload := wire.ReplicationOperationPayload{
		SequenceNumber: op.Metadata.SequenceNumber,
		Epoch:          op.Epoch,
		OperationType:  op.Metadata.Type,
		AtomicGroupID:  op.Metadata.AtomicGroupID,
		Buffers:        op.Buffers.Segments(),
	}
	return h.send(ctx, peerID, wire.ActionReplicationOperation, payload)
}

func (h *Host) send(ctx context.Context, peerID string, action wire.Action, payload any) error {
	h.mu.RLock()
	addr, ok := h.peers[peerID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("host %s: no address configured for peer %s", h.id, peerID)
	}
	msg := wire.Message{
		From:    wire.FromHeader{Address: h.selfAddr, EndpointID: h.id},
		Actor:   wire.ActorHeader{EndpointID: peerID},
		Action:  wire.ActionHeader{Name: action},
		MsgID:   wire.MessageIDHeader{ID: fmt.Sprintf("%s-%d", h.id, time.Now().UnixNano())},
		Payload: payload,
	}
	return h.transport.Send(ctx, transport.Endpoint{Address: addr, EndpointID: peerID}, msg)
}

// dispatch routes one inbound wire.Message to whichever role object the
// hosted Replicator currently plays.
func (h *Host) dispatch(msg wire.Message) {
	rep := h.Replicator()
	if rep == nil {
		return
	}
	peerID := msg.From.EndpointID

	switch payload := msg.Payload.(type) {
	case *wire.AckPayload:
		p := rep.Primary()
		if p == nil {
			return
		}
		if err := p.OnAckReceived(peerID, *payload, msg.MsgID.ID); err != nil {
			h.logger.Warn().Err(err).Str("peer", peerID).Msg("ack processing failed")
			return
		}
		committed, completed, allAcked := p.Progress()
		h.collector.RecordProgress(committed, completed, allAcked)
		h.collector.RecordReplicaAck(peerID, payload.ReplicationReceivedLSN)

	case *wire.ReplicationOperationPayload:
		s := rep.Secondary()
		if s == nil {
			return
		}
		op := operation.New(operation.Metadata{
			Type:           payload.OperationType,
			SequenceNumber: payload.SequenceNumber,
			AtomicGroupID:  payload.AtomicGroupID,
		}, payload.Epoch, operation.NewBuffers(payload.Buffers), nil)
		if err := s.OnReplicationBatch([]*operation.Operation{op}); err != nil {
			h.logger.Warn().Err(err).Str("peer", peerID).Msg("replication batch rejected")
		}

	case *wire.CopyOperationPayload:
		s := rep.Secondary()
		if s == nil {
			return
		}
		op := operation.New(operation.Metadata{
			Type:           operation.Normal,
			SequenceNumber: payload.SequenceNumber,
		}, payload.PrimaryEpoch, operation.NewBuffers(payload.Buffers), nil)
		if err := s.OnCopyOperation(op, payload.IsLast); err != nil {
			h.logger.Warn().Err(err).Str("peer", peerID).Msg("copy operation rejected")
		}

	case *wire.InduceFaultPayload:
		h.logger.Warn().Str("peer", peerID).Str("reason", payload.Reason).Msg("induced fault received")
		h.collector.RecordFault(fmt.Errorf("peer %s induced: %s", peerID, payload.Reason))

	default:
		h.logger.Debug().Str("peer", peerID).Msg("unhandled message action")
	}
}
