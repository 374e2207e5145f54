package tree

import (
	"context"
	"sync"

	"github.com/openlsm/writepath/internal/mutation"
)

// Mock is a deterministic Tree double for tests. It records every
// ingested set, serves error injection for the next N ingest calls, and
// can gate ingestion so tests control exactly when durability is
// acknowledged.
type Mock struct {
	mu       sync.Mutex
	ingested []*mutation.Set
	errQueue []error
	gate     chan struct{}

	fallbackFn func(key []byte, maxSeq uint64) (mutation.Mutation, bool, error)
}

// NewMock creates a Mock that acknowledges every ingest immediately.
func NewMock() *Mock {
	return &Mock{}
}

// FailNextIngest queues err to be returned by the next ingest call.
// Multiple calls queue multiple failures in order.
func (m *Mock) FailNextIngest(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errQueue = append(m.errQueue, err)
}

// GateIngest makes subsequent ingest calls block until the returned
// release function is invoked. Release is idempotent.
func (m *Mock) GateIngest() (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	m.gate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// SetFallback installs the LookupFallback behavior.
func (m *Mock) SetFallback(fn func(key []byte, maxSeq uint64) (mutation.Mutation, bool, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbackFn = fn
}

// Ingest records the set, honoring any queued error or gate.
func (m *Mock) Ingest(ctx context.Context, set *mutation.Set) error {
	m.mu.Lock()
	gate := m.gate
	var err error
	if len(m.errQueue) > 0 {
		err = m.errQueue[0]
		m.errQueue = m.errQueue[1:]
	}
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.ingested = append(m.ingested, set)
	m.mu.Unlock()
	return nil
}

// LookupFallback delegates to the installed fallback, or misses.
func (m *Mock) LookupFallback(key []byte, maxSeq uint64) (mutation.Mutation, bool, error) {
	m.mu.Lock()
	fn := m.fallbackFn
	m.mu.Unlock()
	if fn == nil {
		return mutation.Mutation{}, false, nil
	}
	return fn(key, maxSeq)
}

// Ingested returns the successfully ingested sets in arrival order.
func (m *Mock) Ingested() []*mutation.Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*mutation.Set, len(m.ingested))
	copy(out, m.ingested)
	return out
}

// IngestCount returns the number of successfully ingested sets.
func (m *Mock) IngestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ingested)
}
