// Package tree defines the boundary to the persistent compaction tree,
// the only external collaborator of the write path. The write buffer
// hands sealed mutation sets to Ingest and consults LookupFallback when
// a read misses every in-memory set.
package tree

import (
	"context"

	"github.com/openlsm/writepath/internal/mutation"
)

// Tree is the persistent compaction tree capability. Implementations
// take ownership of sealed sets passed to Ingest and must return success
// only after the contents are durable. A failed ingest must leave the
// contents recoverable elsewhere (the durability journal); the write
// path surfaces the error verbatim and never retries on its own.
type Tree interface {
	// Ingest durably persists the contents of a sealed mutation set.
	Ingest(ctx context.Context, set *mutation.Set) error

	// LookupFallback resolves key at the read snapshot maxSeq against
	// persisted data. It reports whether a mutation (value or tombstone)
	// was found. Possibly slow; the write path treats it as opaque.
	LookupFallback(key []byte, maxSeq uint64) (mutation.Mutation, bool, error)
}
