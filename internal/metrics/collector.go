package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/pkg/lsn"
)

// Snapshot is the complete metrics state for one Replicator at a point in
// time, as served by the HTTP API and rendered by the TUI.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	ElapsedSec float64  `json:"elapsed_sec"`

	Role  string `json:"role"`
	State string `json:"state"`
	Epoch string `json:"epoch"`

	// Sequence progress, as reported by primary.Replicator.Progress (or the
	// secondary's replication stream position when not primary).
	CommittedLSN string `json:"committed_lsn"`
	CompletedLSN string `json:"completed_lsn"`
	AllAckedLSN  string `json:"all_acked_lsn"`
	LagOps       int64  `json:"lag_ops"`

	// Throughput (sliding 60s window).
	OpsPerSec   float64 `json:"ops_per_sec"`
	BytesPerSec float64 `json:"bytes_per_sec"`
	TotalOps    int64   `json:"total_ops"`
	TotalBytes  int64   `json:"total_bytes"`

	Replicas []ReplicaStatus `json:"replicas"`

	FaultCount int    `json:"fault_count"`
	LastError  string `json:"last_error,omitempty"`
}

// ReplicaStatus is one secondary's last-known ack position, as seen by the
// primary's ReplicaManager.
type ReplicaStatus struct {
	ID         string `json:"id"`
	AckedLSN   string `json:"acked_lsn"`
	LastAckAge float64 `json:"last_ack_age_sec"`
}

// LogEntry is a captured log line, kept for the status API and TUI log view.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Collector aggregates one Replicator's runtime metrics and provides
// snapshots for consumption by the HTTP API and TUI.
type Collector struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	startedAt time.Time
	role      string
	state     string
	epoch     string

	committed lsn.LSN
	completed lsn.LSN
	allAcked  lsn.LSN

	replicas map[string]*ReplicaStatus

	totalOps   atomic.Int64
	totalBytes atomic.Int64

	faultCount atomic.Int64
	lastError  atomic.Value // string

	opWindow   *slidingWindow
	byteWindow *slidingWindow

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	logMu  sync.Mutex
	logs   []LogEntry
	logCap int

	done chan struct{}
}

// NewCollector creates a new Collector.
func NewCollector(logger zerolog.Logger) *Collector {
	c := &Collector{
		logger:      logger.With().Str("component", "metrics").Logger(),
		startedAt:   time.Now(),
		replicas:    make(map[string]*ReplicaStatus),
		subscribers: make(map[chan Snapshot]struct{}),
		opWindow:    newSlidingWindow(60 * time.Second),
		byteWindow:  newSlidingWindow(60 * time.Second),
		logs:        make([]LogEntry, 0, 500),
		logCap:      500,
		done:        make(chan struct{}),
	}
	go c.broadcastLoop()
	return c
}

// SetRole records the Replicator's current role (None/Primary/Idle/Active).
func (c *Collector) SetRole(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
}

// SetState records the Replicator's current lifecycle state.
func (c *Collector) SetState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// SetEpoch records the Replicator's current epoch.
func (c *Collector) SetEpoch(epoch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch = epoch
}

// RecordProgress updates the committed/completed/all-acked sequence markers,
// mirroring primary.Replicator.Progress.
func (c *Collector) RecordProgress(committed, completed, allAcked lsn.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = committed
	c.completed = completed
	c.allAcked = allAcked
}

// RecordReplicaAck updates one replica's last-known ack position.
func (c *Collector) RecordReplicaAck(id string, acked lsn.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.replicas[id]
	if !ok {
		rs = &ReplicaStatus{ID: id}
		c.replicas[id] = rs
	}
	rs.AckedLSN = acked.String()
	rs.LastAckAge = 0
}

// RemoveReplica drops a replica from the status table, e.g. after
// ReplicaManager.RemoveReplica.
func (c *Collector) RemoveReplica(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.replicas, id)
}

// RecordOperations accounts for ops/bytes that just reached quorum.
func (c *Collector) RecordOperations(ops int64, bytes int64) {
	c.totalOps.Add(ops)
	c.totalBytes.Add(bytes)
	now := time.Now()
	c.opWindow.Add(now, float64(ops))
	c.byteWindow.Add(now, float64(bytes))
}

// RecordFault increments the fault count and stores the last error message.
func (c *Collector) RecordFault(err error) {
	c.faultCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
	}
}

// AddLog appends a log entry to the ring buffer.
func (c *Collector) AddLog(entry LogEntry) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if len(c.logs) >= c.logCap {
		n := c.logCap / 4
		copy(c.logs, c.logs[n:])
		c.logs = c.logs[:len(c.logs)-n]
	}
	c.logs = append(c.logs, entry)
}

// Logs returns a copy of recent log entries.
func (c *Collector) Logs() []LogEntry {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// Snapshot returns the current metrics state (thread-safe).
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	elapsed := now.Sub(c.startedAt).Seconds()

	lag := int64(c.committed) - int64(c.allAcked)
	if lag < 0 {
		lag = 0
	}

	replicas := make([]ReplicaStatus, 0, len(c.replicas))
	for _, rs := range c.replicas {
		replicas = append(replicas, *rs)
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	return Snapshot{
		Timestamp:    now,
		ElapsedSec:   elapsed,
		Role:         c.role,
		State:        c.state,
		Epoch:        c.epoch,
		CommittedLSN: c.committed.String(),
		CompletedLSN: c.completed.String(),
		AllAckedLSN:  c.allAcked.String(),
		LagOps:       lag,
		OpsPerSec:    c.opWindow.Rate(),
		BytesPerSec:  c.byteWindow.Rate(),
		TotalOps:     c.totalOps.Load(),
		TotalBytes:   c.totalBytes.Load(),
		Replicas:     replicas,
		FaultCount:   int(c.faultCount.Load()),
		LastError:    lastErr,
	}
}

// Subscribe returns a channel that receives periodic Snapshot updates.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
}

// Close stops the broadcast loop.
func (c *Collector) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Collector) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			snap := c.Snapshot()
			c.subMu.Lock()
			for ch := range c.subscribers {
				select {
				case ch <- snap:
				default:
				}
			}
			c.subMu.Unlock()
		}
	}
}

// --- Sliding window for throughput calculation ---

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(w.entries, w.entries[i:])
		w.entries = w.entries[:len(w.entries)-i]
	}
}
