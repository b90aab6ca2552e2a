package copy

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/replicator/internal/stateprovider"
	"github.com/jfoltran/replicator/internal/wire"
	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// SendFunc delivers one copy operation to the building replica.
type SendFunc func(ctx context.Context, payload wire.CopyOperationPayload) error

// Sender drives one idle replica's build: it enumerates the state
// provider's copy stream in order and pushes each operation out via send,
// advancing its Machine as enumeration and replication progress.
type Sender struct {
	replicaID    string
	primaryEpoch epoch.Epoch
	provider     stateprovider.Provider
	send         SendFunc
	logger       zerolog.Logger

	Machine *Machine
}

// NewSender creates a Sender for one building replica. waitForReplAck
// mirrors the Machine constructor flag.
func NewSender(replicaID string, primaryEpoch epoch.Epoch, provider stateprovider.Provider, send SendFunc, waitForReplAck bool, logger zerolog.Logger) *Sender {
	return &Sender{
		replicaID:    replicaID,
		primaryEpoch: primaryEpoch,
		provider:     provider,
		send:         send,
		logger:       logger.With().Str("component", "copy-sender").Str("replica", replicaID).Logger(),
		Machine:      NewMachine(waitForReplAck),
	}
}

// Start begins the build: fetches the replica's copy context (if the
// provider persists one), then streams copy state up to upToLSN, sending
// each operation in order. It blocks until enumeration completes, fails,
// or ctx is cancelled.
func (s *Sender) Start(ctx context.Context, upToLSN, replicationStartLSN lsn.LSN) error {
	if err := s.Machine.Begin(); err != nil {
		return err
	}

	var ctxStream stateprovider.OperationDataStream
	if cs, err := s.provider.GetCopyContext(ctx); err != nil {
		return s.fail(err)
	} else {
		ctxStream = cs
	}

	stream, err := s.provider.GetCopyState(ctx, upToLSN, ctxStream)
	if err != nil {
		return s.fail(err)
	}
	defer stream.Close()

	var seq lsn.LSN = 1
	for {
		segs, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.fail(err)
		}

		payload := wire.CopyOperationPayload{
			ReplicaID:      s.replicaID,
			PrimaryEpoch:   s.primaryEpoch,
			SequenceNumber: seq,
			Buffers:        segs,
			IsLast:         false,
		}
		for _, b := range segs {
			payload.SegmentSizes = append(payload.SegmentSizes, len(b))
		}
		if err := s.send(ctx, payload); err != nil {
			return s.fail(err)
		}
		seq = seq.Next()
	}

	// Final, zero-buffer terminator, numbered one past the last copy
	// operation sent.
	last := wire.CopyOperationPayload{
		ReplicaID:      s.replicaID,
		PrimaryEpoch:   s.primaryEpoch,
		SequenceNumber: seq,
		IsLast:         true,
	}
	if err := s.send(ctx, last); err != nil {
		return s.fail(err)
	}

	return s.Machine.SetLSNs(seq, replicationStartLSN)
}

// OnReceiveAck marks the last copy op as receive-acked by the peer.
func (s *Sender) OnReceiveAck() { s.Machine.MarkReceiveAcked() }

// OnReplicationProgress feeds a replication completion sequence number
// into the copy state machine, possibly completing the replication-wait
// phase of the build.
func (s *Sender) OnReplicationProgress(seq lsn.LSN) bool {
	return s.Machine.TryCompleteReplication(seq)
}

// Done reports whether the build is fully complete.
func (s *Sender) Done() bool { return s.Machine.Done() }

// Close finishes the sender abnormally, e.g. because the session was
// faulted mid-build.
func (s *Sender) Close() {
	if s.Machine.State() != Completed {
		_ = s.Machine.Finish(false, errors.New("copy: closed before completion"))
	}
}

func (s *Sender) fail(err error) error {
	s.logger.Warn().Err(err).Msg("copy enumeration failed")
	_ = s.Machine.Finish(false, err)
	return err
}

// Group drives several building replicas' copy sessions concurrently,
// bounded by maxConcurrency, using errgroup so the first hard failure
// cancels the remaining in-flight builds' context.
type Group struct {
	maxConcurrency int
}

// NewGroup creates a Group with the given concurrency bound (0 means
// unbounded).
func NewGroup(maxConcurrency int) *Group {
	return &Group{maxConcurrency: maxConcurrency}
}

// RunAll starts build(ctx, sender) for every sender concurrently and waits
// for all to finish, returning the first error encountered (if any); a
// per-sender error does not stop the others unless the caller's build
// function itself observes ctx.Done after a sibling failure cancels it.
func (g *Group) RunAll(ctx context.Context, senders []*Sender, build func(ctx context.Context, s *Sender) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	if g.maxConcurrency > 0 {
		eg.SetLimit(g.maxConcurrency)
	}
	for _, s := range senders {
		s := s
		eg.Go(func() error {
			return build(ctx, s)
		})
	}
	return eg.Wait()
}
