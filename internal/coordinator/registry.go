package coordinator

import (
	"fmt"

	"go.uber.org/zap"

	kverr "github.com/openlsm/writepath/internal/errors"
)

// StoreIndex identifies one registration: the slot in the low 32 bits
// and the slot's generation in the high 32 bits. The generation check
// rejects stale indices from closed handles instead of letting them
// alias a reused slot.
type StoreIndex uint64

func makeIndex(slot, gen uint32) StoreIndex {
	return StoreIndex(uint64(gen)<<32 | uint64(slot))
}

func (i StoreIndex) slot() uint32 { return uint32(i) }
func (i StoreIndex) gen() uint32  { return uint32(i >> 32) }

// String renders the index for logs.
func (i StoreIndex) String() string {
	return fmt.Sprintf("%d.%d", i.slot(), i.gen())
}

// Register binds a KVS identity to a free slot, creates its initial
// mutable mutation set, and returns the store index. thresholdBytes
// overrides the coordinator-wide rotation threshold for this store; a
// non-positive value keeps the default. Register fails with a resource
// exhausted error when the table is full and an allocation failure when
// the initial set cannot be obtained.
func (c *Coordinator) Register(identity string, thresholdBytes int64) (StoreIndex, error) {
	c.freeMu.Lock()
	if len(c.free) == 0 {
		c.freeMu.Unlock()
		return 0, kverr.New(kverr.ErrorTypeResourceExhausted,
			"registration table full", nil)
	}
	slot := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	c.freeMu.Unlock()

	s := &c.slots[slot]
	s.mu.Lock()
	initial := c.newSet(c.cfg.SetShards)
	if initial == nil {
		s.mu.Unlock()
		c.freeMu.Lock()
		c.free = append(c.free, slot)
		c.freeMu.Unlock()
		return 0, kverr.New(kverr.ErrorTypeAllocation,
			"mutation set allocation failed", nil)
	}
	if thresholdBytes <= 0 {
		thresholdBytes = c.cfg.SetThresholdBytes
	}
	s.gen++
	s.registered = true
	s.identity = identity
	s.threshold = thresholdBytes
	s.active = initial
	s.pending = nil
	s.lastIngestErr = nil
	idx := makeIndex(slot, s.gen)
	s.mu.Unlock()

	n := c.activeCount.Add(1)
	c.metrics.SetActiveStores(int(n))
	c.logger.Info("store registered",
		zap.String("identity", identity), zap.Stringer("index", idx))
	return idx, nil
}

// Deregister frees the slot bound to idx. Sealed sets still in flight
// remain owned by the ingest pipeline; the slot itself becomes reusable
// immediately, and the generation check keeps the old index invalid.
func (c *Coordinator) Deregister(idx StoreIndex) error {
	slot := idx.slot()
	if int(slot) >= len(c.slots) {
		return kverr.New(kverr.ErrorTypeInvalidHandle,
			"store index "+idx.String()+" out of range", nil)
	}

	s := &c.slots[slot]
	s.mu.Lock()
	if !s.registered || s.gen != idx.gen() {
		s.mu.Unlock()
		return kverr.New(kverr.ErrorTypeInvalidHandle,
			"store index "+idx.String()+" not registered", nil)
	}
	identity := s.identity
	s.registered = false
	s.identity = ""
	s.active = nil
	s.pending = nil
	s.lastIngestErr = nil
	s.mu.Unlock()

	c.freeMu.Lock()
	c.free = append(c.free, slot)
	c.freeMu.Unlock()

	n := c.activeCount.Add(-1)
	c.metrics.SetActiveStores(int(n))
	c.logger.Info("store deregistered",
		zap.String("identity", identity), zap.Stringer("index", idx))
	return nil
}

// lockSlot resolves idx to its slot with the slot mutex held, verifying
// the registration is current. The caller must unlock.
func (c *Coordinator) lockSlot(idx StoreIndex) (*slotState, error) {
	slot := idx.slot()
	if int(slot) >= len(c.slots) {
		return nil, kverr.New(kverr.ErrorTypeInvalidHandle,
			"store index "+idx.String()+" out of range", nil)
	}
	s := &c.slots[slot]
	s.mu.Lock()
	if !s.registered || s.gen != idx.gen() {
		s.mu.Unlock()
		return nil, kverr.New(kverr.ErrorTypeInvalidHandle,
			"store index "+idx.String()+" not registered", nil)
	}
	return s, nil
}
