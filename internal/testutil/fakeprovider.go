package testutil

import (
	"context"
	"io"
	"sync"

	"github.com/jfoltran/replicator/internal/stateprovider"
	"github.com/jfoltran/replicator/pkg/epoch"
	"github.com/jfoltran/replicator/pkg/lsn"
)

// FakeOperationStream is an in-memory stateprovider.OperationDataStream over
// a fixed slice of blobs, used by FakeProvider and standalone in tests that
// need to hand a replica a canned copy stream.
type FakeOperationStream struct {
	mu     sync.Mutex
	blobs  [][][]byte
	pos    int
	closed bool
}

// NewFakeOperationStream wraps blobs for sequential delivery via Next.
func NewFakeOperationStream(blobs [][][]byte) *FakeOperationStream {
	return &FakeOperationStream{blobs: blobs}
}

func (s *FakeOperationStream) Next(ctx context.Context) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.blobs) {
		return nil, io.EOF
	}
	b := s.blobs[s.pos]
	s.pos++
	return b, nil
}

func (s *FakeOperationStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// FakeProvider is an in-memory stateprovider.Provider for unit tests that
// don't need a real Postgres instance. It records every UpdateEpoch call and
// serves GetCopyState from whatever blobs the test preloads via SetCopyBlobs.
type FakeProvider struct {
	mu sync.Mutex

	lastLSN      lsn.LSN
	epochs       []epoch.Epoch
	copyBlobs    [][][]byte
	copyContext  [][][]byte
	dataLossHook func() (bool, error)
	untilLatest  bool
}

// NewFakeProvider constructs a fake reporting startLSN as the last
// committed sequence number until a test overrides it.
func NewFakeProvider(startLSN lsn.LSN) *FakeProvider {
	return &FakeProvider{lastLSN: startLSN}
}

func (p *FakeProvider) GetLastCommittedSequenceNumber(ctx context.Context) (lsn.LSN, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastLSN, nil
}

func (p *FakeProvider) SetLastCommittedSequenceNumber(l lsn.LSN) {
	p.mu.Lock()
	p.lastLSN = l
	p.mu.Unlock()
}

func (p *FakeProvider) UpdateEpoch(ctx context.Context, e epoch.Epoch, previousEpochLastLSN lsn.LSN) error {
	p.mu.Lock()
	p.epochs = append(p.epochs, e)
	p.mu.Unlock()
	return nil
}

func (p *FakeProvider) Epochs() []epoch.Epoch {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]epoch.Epoch, len(p.epochs))
	copy(out, p.epochs)
	return out
}

func (p *FakeProvider) GetCopyContext(ctx context.Context) (stateprovider.OperationDataStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.copyContext == nil {
		return nil, nil
	}
	return NewFakeOperationStream(p.copyContext), nil
}

// SetCopyBlobs preloads the blobs GetCopyState will stream back.
func (p *FakeProvider) SetCopyBlobs(blobs [][][]byte) {
	p.mu.Lock()
	p.copyBlobs = blobs
	p.mu.Unlock()
}

func (p *FakeProvider) GetCopyState(ctx context.Context, upToLSN lsn.LSN, contextStream stateprovider.OperationDataStream) (stateprovider.OperationDataStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return NewFakeOperationStream(p.copyBlobs), nil
}

func (p *FakeProvider) SetOnDataLoss(hook func() (bool, error)) {
	p.mu.Lock()
	p.dataLossHook = hook
	p.mu.Unlock()
}

func (p *FakeProvider) OnDataLoss(ctx context.Context) (bool, error) {
	p.mu.Lock()
	hook := p.dataLossHook
	p.mu.Unlock()
	if hook == nil {
		return false, nil
	}
	return hook()
}

func (p *FakeProvider) SetSupportsCopyUntilLatestLSN(v bool) {
	p.mu.Lock()
	p.untilLatest = v
	p.mu.Unlock()
}

func (p *FakeProvider) SupportsCopyUntilLatestLSN() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.untilLatest
}
