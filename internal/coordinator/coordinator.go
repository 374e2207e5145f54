// Package coordinator implements the shared write-buffer coordinator
// multiplexing every open KVS in the engine process. It owns sequence
// number issuance, the registration table, the active/sealed mutation
// set lifecycle, and the background ingest pipeline feeding the
// persistent tree, paced by the token bucket.
package coordinator

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/openlsm/writepath/internal/metrics"
	"github.com/openlsm/writepath/internal/mutation"
	"github.com/openlsm/writepath/internal/ratelimit"
	"github.com/openlsm/writepath/internal/tree"
	"github.com/openlsm/writepath/internal/wal"
)

const (
	defaultMaxStores     = 1024
	defaultSetThreshold  = 8 * 1024 * 1024 // 8MB
	defaultIngestWorkers = 4
)

// Config holds the coordinator tunables. Zero values fall back to
// defaults at construction.
type Config struct {
	MaxStores         int   // registration table capacity
	SetThresholdBytes int64 // mutation set size triggering rotation
	SetShards         int   // shard count for new mutation sets
	IngestWorkers     int   // background ingest worker pool size
}

func (c Config) withDefaults() Config {
	if c.MaxStores <= 0 {
		c.MaxStores = defaultMaxStores
	}
	if c.SetThresholdBytes <= 0 {
		c.SetThresholdBytes = defaultSetThreshold
	}
	if c.IngestWorkers <= 0 {
		c.IngestWorkers = defaultIngestWorkers
	}
	return c
}

// pendingSet is a sealed set queued for or undergoing ingestion. done is
// closed once the ingester acknowledged or rejected it.
type pendingSet struct {
	set  *mutation.Set
	done chan struct{}
	err  error
}

// slotState is one registration table slot. Its mutex guards the slot's
// registration fields and the active/pending set references; it is never
// held across an insert, lookup, or ingest, so one store's rotation
// cannot block another store's writes.
type slotState struct {
	mu            sync.Mutex
	registered    bool
	gen           uint32
	identity      string
	threshold     int64 // per-store rotation threshold in bytes
	active        *mutation.Set
	pending       []*pendingSet // submission order, oldest first
	lastIngestErr error         // deferred background failure, surfaced on next sync
}

// Coordinator is the process-wide write-buffer multiplexer. One
// explicitly constructed instance is shared by reference with every
// write-buffer handle; it lives for the engine process lifetime and is
// torn down only after all handles are closed.
type Coordinator struct {
	cfg     Config
	limiter *ratelimit.TokenBucket
	tree    tree.Tree
	journal wal.Journal
	metrics *metrics.Metrics
	logger  *zap.Logger

	seqno       atomic.Uint64
	activeCount atomic.Int64

	slots  []slotState
	freeMu sync.Mutex
	free   []uint32

	ingestCh  chan ingestJob
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	// newSet is the mutation set allocator, overridable in tests to
	// exercise allocation failure paths.
	newSet func(shards int) *mutation.Set
}

// New creates a coordinator and starts its ingest workers. A nil journal
// disables journaling, a nil logger disables logging, a nil metrics
// instance gets a private registry.
func New(cfg Config, t tree.Tree, limiter *ratelimit.TokenBucket,
	journal wal.Journal, m *metrics.Metrics, logger *zap.Logger) *Coordinator {

	cfg = cfg.withDefaults()
	if journal == nil {
		journal = wal.Nop{}
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{Burst: uint64(cfg.SetThresholdBytes) * 4, Rate: uint64(cfg.SetThresholdBytes)})
	}

	c := &Coordinator{
		cfg:      cfg,
		limiter:  limiter,
		tree:     t,
		journal:  journal,
		metrics:  m,
		logger:   logger,
		slots:    make([]slotState, cfg.MaxStores),
		free:     make([]uint32, 0, cfg.MaxStores),
		ingestCh: make(chan ingestJob, cfg.MaxStores),
		stopCh:   make(chan struct{}),
		newSet:   mutation.NewSet,
	}
	for i := cfg.MaxStores - 1; i >= 0; i-- {
		c.free = append(c.free, uint32(i))
	}

	for i := 0; i < cfg.IngestWorkers; i++ {
		c.wg.Add(1)
		go c.ingestWorker()
	}
	return c
}

// NextSeqno atomically increments and returns the global sequence
// counter. The layer above stamps each mutation with it before calling
// put or delete.
func (c *Coordinator) NextSeqno() uint64 {
	return c.seqno.Add(1)
}

// CurrentSeqno returns the most recently issued sequence number.
func (c *Coordinator) CurrentSeqno() uint64 {
	return c.seqno.Load()
}

// AdvanceSeqno moves the sequence counter forward to at least to. Used
// when replaying a journal so fresh mutations never reuse a replayed
// sequence number.
func (c *Coordinator) AdvanceSeqno(to uint64) {
	for {
		cur := c.seqno.Load()
		if cur >= to || c.seqno.CompareAndSwap(cur, to) {
			return
		}
	}
}

// SetThrottle re-tunes the ingest rate limiter at runtime, preserving
// accrued balance.
func (c *Coordinator) SetThrottle(burst, rate uint64) {
	c.limiter.Reinit(burst, rate)
	c.logger.Info("ingest throttle reconfigured",
		zap.Uint64("burst", burst), zap.Uint64("rate", rate))
}

// Stats is a point-in-time snapshot of coordinator occupancy.
type Stats struct {
	ActiveStores  int    `json:"active_stores"`
	CurrentSeqno  uint64 `json:"current_seqno"`
	ResidentBytes int64  `json:"resident_bytes"`
	PendingSets   int    `json:"pending_sets"`
}

// GetStats collects a snapshot across all registered slots.
func (c *Coordinator) GetStats() Stats {
	s := Stats{
		ActiveStores: int(c.activeCount.Load()),
		CurrentSeqno: c.CurrentSeqno(),
	}
	for i := range c.slots {
		slot := &c.slots[i]
		slot.mu.Lock()
		if slot.registered {
			if slot.active != nil {
				s.ResidentBytes += slot.active.Size()
			}
			for _, ps := range slot.pending {
				s.ResidentBytes += ps.set.Size()
			}
			s.PendingSets += len(slot.pending)
		}
		slot.mu.Unlock()
	}
	c.metrics.SetResidentBytes(s.ResidentBytes)
	return s
}

// Close stops the ingest workers. It must only be called after every
// handle has been closed; sealed sets still queued at that point were
// already made durable by the closing handles' syncs.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
	})
	return nil
}
