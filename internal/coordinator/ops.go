package coordinator

import (
	kverr "github.com/openlsm/writepath/internal/errors"
	"github.com/openlsm/writepath/internal/mutation"
	"github.com/openlsm/writepath/internal/wal"

	"go.uber.org/zap"
)

// GetResult classifies the in-memory outcome of a Get.
type GetResult int

const (
	// GetMiss means no in-memory set holds the key; the caller must
	// consult the persistent tree
	GetMiss GetResult = iota
	// GetFound means the returned value is authoritative
	GetFound
	// GetTombstone means the key is authoritatively deleted; the
	// persistent tree must not be consulted
	GetTombstone
)

// Put routes a put mutation to the store's active mutation set.
func (c *Coordinator) Put(idx StoreIndex, key, value []byte, seqno uint64) error {
	return c.apply(idx, mutation.Mutation{
		Key: key, Value: value, Seqno: seqno, Kind: mutation.KindPut,
	})
}

// Delete routes a point tombstone to the store's active mutation set.
func (c *Coordinator) Delete(idx StoreIndex, key []byte, seqno uint64) error {
	return c.apply(idx, mutation.Mutation{
		Key: key, Seqno: seqno, Kind: mutation.KindDelete,
	})
}

// PrefixDelete routes a prefix tombstone to the store's active set.
func (c *Coordinator) PrefixDelete(idx StoreIndex, prefix []byte, seqno uint64) error {
	return c.apply(idx, mutation.Mutation{
		Key: prefix, Seqno: seqno, Kind: mutation.KindPrefixDelete,
	})
}

// apply inserts one mutation, rotating to a fresh set first when the
// active one is sealed or over threshold. An insert that loses the race
// against a concurrent rotation is retried against the fresh active set,
// so an accepted mutation always lands in exactly one set.
func (c *Coordinator) apply(idx StoreIndex, m mutation.Mutation) error {
	for {
		s, err := c.lockSlot(idx)
		if err != nil {
			return err
		}
		var job ingestJob
		var rotated bool
		if s.active.State() != mutation.StateMutable ||
			s.active.OverThreshold(s.threshold) {
			if job, err = c.rotateLocked(s, idx); err != nil {
				s.mu.Unlock()
				return err
			}
			rotated = true
		}
		set := s.active
		identity := s.identity
		s.mu.Unlock()

		if rotated {
			c.submit(job)
		}

		err = set.Insert(m)
		if err == nil {
			if jerr := c.journal.Append(&wal.Entry{
				Store: identity,
				Kind:  uint8(m.Kind),
				Key:   m.Key,
				Value: m.Value,
				Seqno: m.Seqno,
			}); jerr != nil {
				// The mutation is accepted either way; losing journal
				// coverage degrades recoverability, not correctness.
				c.logger.Warn("journal append failed", zap.Error(jerr))
			}
			c.metrics.RecordMutation(m.Kind.String())
			return nil
		}
		if !kverr.IsInvalidState(err) {
			return err
		}
		// The set was sealed between the slot unlock and the insert;
		// retry against the freshly installed active set.
	}
}

// Get resolves key at the read snapshot seqno across the store's active
// set and its not-yet-ingested sealed sets, newest set first. A miss
// means the caller must fall through to the persistent tree.
func (c *Coordinator) Get(idx StoreIndex, key []byte, seqno uint64) (GetResult, []byte, error) {
	s, err := c.lockSlot(idx)
	if err != nil {
		return GetMiss, nil, err
	}
	sets := make([]*mutation.Set, 0, len(s.pending)+1)
	sets = append(sets, s.active)
	for i := len(s.pending) - 1; i >= 0; i-- {
		sets = append(sets, s.pending[i].set)
	}
	s.mu.Unlock()

	for _, set := range sets {
		switch res, m := set.Lookup(key, seqno); res {
		case mutation.LookupFound:
			c.metrics.RecordGet("found")
			return GetFound, m.Value, nil
		case mutation.LookupTombstone:
			c.metrics.RecordGet("tombstone")
			return GetTombstone, nil, nil
		}
	}
	c.metrics.RecordGet("miss")
	return GetMiss, nil, nil
}

// Sync seals and submits the store's active mutation set and blocks
// until the ingester has acknowledged every set submitted for this store,
// including sets rotated out before the call. The first error
// encountered wins; later steps still run so nothing is left behind.
func (c *Coordinator) Sync(idx StoreIndex) error {
	c.metrics.RecordSync()

	s, err := c.lockSlot(idx)
	if err != nil {
		return err
	}

	var first error
	var job ingestJob
	var rotated bool
	if s.active.Len() > 0 {
		if job, first = c.rotateLocked(s, idx); first == nil {
			rotated = true
		}
	}
	waits := append([]*pendingSet(nil), s.pending...)
	deferred := s.lastIngestErr
	s.lastIngestErr = nil
	s.mu.Unlock()

	if rotated {
		c.submit(job)
	}

	if jerr := c.journal.Sync(); jerr != nil {
		c.logger.Warn("journal sync failed", zap.Error(jerr))
	}

	if first == nil {
		first = deferred
	}
	for _, ps := range waits {
		<-ps.done
		if ps.err != nil && first == nil {
			first = ps.err
		}
	}

	// An error surfaced here was also parked on the slot by the ingest
	// worker; consume it so the next sync does not report it twice.
	if first != nil {
		slot := &c.slots[idx.slot()]
		slot.mu.Lock()
		if slot.registered && slot.gen == idx.gen() {
			for _, ps := range waits {
				if ps.err != nil && slot.lastIngestErr == ps.err {
					slot.lastIngestErr = nil
				}
			}
		}
		slot.mu.Unlock()
	}
	return first
}
