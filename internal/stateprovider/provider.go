// Package stateprovider defines the contract a replicated service
// implements to supply state to the replication core: last-committed
// sequence numbers, epoch persistence, and copy streams for building new
// replicas. internal/stateprovider/pg is a concrete Postgres-backed
// implementation; internal/testutil provides an in-memory fake for tests.
package stateprovider

import (
	"context"

	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// OperationDataStream yields an ordered sequence of buffer blobs,
// terminated by io.EOF from Next. Implementations must be safe for a
// single consumer (no concurrent Next calls).
type OperationDataStream interface {
	// Next returns the next blob's segments, or io.EOF once exhausted.
	Next(ctx context.Context) ([][]byte, error)
	// Close releases any resources held by the stream.
	Close() error
}

// Provider is the external collaborator a replicated service implements.
type Provider interface {
	// GetLastCommittedSequenceNumber returns the highest LSN the service
	// has durably applied.
	GetLastCommittedSequenceNumber(ctx context.Context) (lsn.LSN, error)

	// UpdateEpoch persists a new epoch, asserting previousEpochLastLSN is
	// the last LSN observed under the prior epoch.
	UpdateEpoch(ctx context.Context, e epoch.Epoch, previousEpochLastLSN lsn.LSN) error

	// GetCopyContext returns a stream of copy-context operations this
	// replica should send to the primary before receiving copy state, or
	// nil if the service does not persist replica-local context.
	GetCopyContext(ctx context.Context) (OperationDataStream, error)

	// GetCopyState returns the stream of operations needed to bring a
	// building replica up to upToLSN. contextStream is the context
	// operations received from the idle replica, or nil.
	GetCopyState(ctx context.Context, upToLSN lsn.LSN, contextStream OperationDataStream) (OperationDataStream, error)

	// OnDataLoss is invoked when the service may have lost state relative
	// to its peers; stateChanged reports whether the service actually
	// altered its persisted state in response.
	OnDataLoss(ctx context.Context) (stateChanged bool, err error)

	// SupportsCopyUntilLatestLSN reports whether GetCopyState can enumerate
	// up to the latest LSN directly (paged copy) rather than requiring an
	// incremental replay after an initial snapshot.
	SupportsCopyUntilLatestLSN() bool
}
