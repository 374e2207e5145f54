// Package mutation implements the in-memory multiset holding pending
// key/value mutations for one write-buffer generation. A set accepts
// concurrent inserts and lookups while mutable, is sealed before being
// handed to the persistent tree, and resolves reads with MVCC semantics:
// key order first, then descending sequence number, so the most recent
// visible version of a key is always found first.
package mutation

import "bytes"

// Kind discriminates the mutation variants.
type Kind uint8

const (
	// KindPut stores a value for a key
	KindPut Kind = iota
	// KindDelete is a point tombstone for a key
	KindDelete
	// KindPrefixDelete is a tombstone masking every key under a prefix
	KindPrefixDelete
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	case KindPrefixDelete:
		return "prefix_delete"
	default:
		return "unknown"
	}
}

// Mutation is one put, delete, or prefix-delete, stamped with the
// sequence number that orders it against every other mutation in the
// engine. Value is nil for both tombstone kinds. A Mutation is owned by
// the set holding it until the set is sealed and handed to ingestion.
type Mutation struct {
	Key   []byte
	Value []byte
	Seqno uint64
	Kind  Kind
}

// Size returns the approximate memory footprint in bytes.
func (m *Mutation) Size() int64 {
	return int64(len(m.Key) + len(m.Value) + 17)
}

// compare orders mutations by key ascending, then sequence number
// descending, so for one key the newest version sorts first.
func compare(aKey []byte, aSeq uint64, bKey []byte, bSeq uint64) int {
	if c := bytes.Compare(aKey, bKey); c != 0 {
		return c
	}
	switch {
	case aSeq > bSeq:
		return -1
	case aSeq < bSeq:
		return 1
	default:
		return 0
	}
}
