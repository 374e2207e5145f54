package mutation

import (
	"bytes"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	kverr "github.com/openlsm/writepath/internal/errors"
)

// State is the lifecycle state of a Set.
type State int32

const (
	// StateMutable accepts new mutations
	StateMutable State = iota
	// StateSealed is read-only, queued for ingestion
	StateSealed
	// StateReleased has transferred ownership to the ingestion pipeline
	StateReleased
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateMutable:
		return "mutable"
	case StateSealed:
		return "sealed"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// LookupResult classifies the outcome of a Lookup.
type LookupResult int

const (
	// LookupNotFound means the set holds nothing for the key; the caller
	// should continue with older sets or the persistent tree
	LookupNotFound LookupResult = iota
	// LookupFound means a put was found and its value is authoritative
	LookupFound
	// LookupTombstone means a delete or a masking prefix-delete was
	// found; the key is logically absent and older sets must not be
	// consulted
	LookupTombstone
)

const defaultShardCount = 16

// shard is one key-hashed slice of the point-mutation index. Each shard
// carries its own lock so concurrent writers on different keys do not
// serialize against one another.
type shard struct {
	mu sync.RWMutex
	sl *skipList
}

var setIDCounter uint64

// Set is the concurrently accessible mutation multiset for one
// write-buffer generation. Point mutations live in hash-sharded skip
// lists; prefix tombstones live in a dedicated index because they must
// be visible to lookups of every key under the prefix regardless of
// which shard that key hashes to.
type Set struct {
	id        uint64
	createdAt time.Time

	state  atomic.Int32
	shards []shard

	ptombMu sync.RWMutex
	ptombs  *skipList

	size  atomic.Int64
	count atomic.Int64
}

// NewSet creates an empty mutable set. A non-positive shard count falls
// back to the default.
func NewSet(shardCount int) *Set {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	s := &Set{
		id:        atomic.AddUint64(&setIDCounter, 1),
		createdAt: time.Now(),
		shards:    make([]shard, shardCount),
		ptombs:    newSkipList(),
	}
	for i := range s.shards {
		s.shards[i].sl = newSkipList()
	}
	return s
}

// ID returns the unique identifier for this set.
func (s *Set) ID() uint64 {
	return s.id
}

// CreatedAt returns when this set was created.
func (s *Set) CreatedAt() time.Time {
	return s.createdAt
}

// State returns the current lifecycle state.
func (s *Set) State() State {
	return State(s.state.Load())
}

func (s *Set) shardFor(key []byte) *shard {
	h := fnv.New32a()
	h.Write(key)
	return &s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Insert adds a mutation to the set. It fails with an invalid state
// error once the set is sealed: the state is checked again under the
// shard lock, so an insert racing a concurrent Seal either lands in the
// set before the seal barrier completes or is rejected, never lost.
func (s *Set) Insert(m Mutation) error {
	if s.State() != StateMutable {
		return kverr.New(kverr.ErrorTypeInvalidState,
			"insert into "+s.State().String()+" mutation set", nil)
	}

	if m.Kind == KindPrefixDelete {
		s.ptombMu.Lock()
		defer s.ptombMu.Unlock()
		if s.State() != StateMutable {
			return kverr.New(kverr.ErrorTypeInvalidState,
				"insert into "+s.State().String()+" mutation set", nil)
		}
		if s.ptombs.insert(m) {
			s.count.Add(1)
		}
		s.size.Add(m.Size())
		return nil
	}

	sh := s.shardFor(m.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s.State() != StateMutable {
		return kverr.New(kverr.ErrorTypeInvalidState,
			"insert into "+s.State().String()+" mutation set", nil)
	}
	if sh.sl.insert(m) {
		s.count.Add(1)
	}
	s.size.Add(m.Size())
	return nil
}

// Lookup resolves key at the read snapshot maxSeq. The newest point
// mutation with seqno <= maxSeq is the candidate; a prefix tombstone
// covering the key with a larger seqno (still <= maxSeq) masks it.
func (s *Set) Lookup(key []byte, maxSeq uint64) (LookupResult, Mutation) {
	var (
		candidate Mutation
		havePoint bool
	)

	sh := s.shardFor(key)
	sh.mu.RLock()
	if node := sh.sl.seek(key, maxSeq); node != nil && bytes.Equal(node.mut.Key, key) {
		candidate = node.mut
		havePoint = true
	}
	sh.mu.RUnlock()

	ptomb, havePtomb := s.newestPrefixTombstone(key, maxSeq)

	if havePtomb && (!havePoint || ptomb.Seqno > candidate.Seqno) {
		return LookupTombstone, ptomb
	}
	if !havePoint {
		return LookupNotFound, Mutation{}
	}
	if candidate.Kind == KindDelete {
		return LookupTombstone, candidate
	}
	return LookupFound, candidate
}

// newestPrefixTombstone scans the prefix-tombstone index for the most
// recent entry visible at maxSeq whose key is a prefix of key. The index
// is expected to stay small relative to point mutations, so a linear
// scan over it is acceptable.
func (s *Set) newestPrefixTombstone(key []byte, maxSeq uint64) (Mutation, bool) {
	s.ptombMu.RLock()
	defer s.ptombMu.RUnlock()

	var (
		best  Mutation
		found bool
	)
	for node := s.ptombs.first(); node != nil; node = node.forward[0] {
		pt := node.mut
		if pt.Seqno > maxSeq || !bytes.HasPrefix(key, pt.Key) {
			continue
		}
		if !found || pt.Seqno > best.Seqno {
			best = pt
			found = true
		}
	}
	return best, found
}

// Seal transitions the set from mutable to sealed. After Seal returns,
// no insert can succeed and none is in flight: the lock sweep below
// waits out every insert that passed its state check before the
// transition.
func (s *Set) Seal() error {
	if !s.state.CompareAndSwap(int32(StateMutable), int32(StateSealed)) {
		return kverr.New(kverr.ErrorTypeInvalidState,
			"seal of "+s.State().String()+" mutation set", nil)
	}
	for i := range s.shards {
		s.shards[i].mu.Lock()
		s.shards[i].mu.Unlock()
	}
	s.ptombMu.Lock()
	s.ptombMu.Unlock()
	return nil
}

// Release marks a sealed set as owned by the ingestion pipeline. Reads
// through the write path must not reach a released set.
func (s *Set) Release() error {
	if !s.state.CompareAndSwap(int32(StateSealed), int32(StateReleased)) {
		return kverr.New(kverr.ErrorTypeInvalidState,
			"release of "+s.State().String()+" mutation set", nil)
	}
	return nil
}

// Len returns the number of entries in the set.
func (s *Set) Len() int64 {
	return s.count.Load()
}

// Size returns the approximate memory footprint in bytes.
func (s *Set) Size() int64 {
	return s.size.Load()
}

// OverThreshold reports whether the set has outgrown limit bytes. A
// non-positive limit disables threshold-based rotation.
func (s *Set) OverThreshold(limit int64) bool {
	return limit > 0 && s.Size() >= limit
}

// Entries returns every mutation in key order, newest sequence number
// first per key. It is intended for draining a sealed set into the
// persistent tree; shard locks are taken so it is also safe on a
// mutable set, at the cost of momentarily blocking writers.
func (s *Set) Entries() []Mutation {
	out := make([]Mutation, 0, s.Len())

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for node := sh.sl.first(); node != nil; node = node.forward[0] {
			out = append(out, node.mut)
		}
		sh.mu.RUnlock()
	}

	s.ptombMu.RLock()
	for node := s.ptombs.first(); node != nil; node = node.forward[0] {
		out = append(out, node.mut)
	}
	s.ptombMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return compare(out[i].Key, out[i].Seqno, out[j].Key, out[j].Seqno) < 0
	})
	return out
}
