package tree

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	kverr "github.com/openlsm/writepath/internal/errors"
	"github.com/openlsm/writepath/internal/mutation"
)

// Memory is an in-process Tree keeping ingested mutations in sorted
// slices. It stands in for a real on-disk tree so the engine runs end to
// end in one binary; durability here means surviving until process exit.
type Memory struct {
	mu     sync.RWMutex
	points []mutation.Mutation // key ascending, seqno descending
	ptombs []mutation.Mutation

	ingests   atomic.Int64
	mutations atomic.Int64
	logger    *zap.Logger
}

// NewMemory creates an empty in-memory tree.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{logger: logger}
}

// Ingest merges the entries of a sealed set into the tree.
func (t *Memory) Ingest(ctx context.Context, set *mutation.Set) error {
	if set == nil {
		return kverr.New(kverr.ErrorTypeInvalidInput, "ingest of nil mutation set", nil)
	}
	if set.State() != mutation.StateSealed {
		return kverr.New(kverr.ErrorTypeInvalidState,
			"ingest of "+set.State().String()+" mutation set", nil)
	}
	if err := ctx.Err(); err != nil {
		return kverr.New(kverr.ErrorTypeIngest, "ingest canceled", err)
	}

	entries := set.Entries()

	t.mu.Lock()
	for _, m := range entries {
		if m.Kind == mutation.KindPrefixDelete {
			t.ptombs = append(t.ptombs, m)
		} else {
			t.points = append(t.points, m)
		}
	}
	sort.Slice(t.points, func(i, j int) bool {
		return mutationLess(t.points[i], t.points[j])
	})
	sort.Slice(t.ptombs, func(i, j int) bool {
		return mutationLess(t.ptombs[i], t.ptombs[j])
	})
	t.mu.Unlock()

	t.ingests.Add(1)
	t.mutations.Add(int64(len(entries)))
	t.logger.Debug("ingested mutation set",
		zap.Uint64("set_id", set.ID()),
		zap.Int("mutations", len(entries)))
	return nil
}

// LookupFallback resolves key at maxSeq against ingested data with the
// same masking rules the in-memory sets apply.
func (t *Memory) LookupFallback(key []byte, maxSeq uint64) (mutation.Mutation, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		candidate mutation.Mutation
		havePoint bool
	)

	// First point entry at or after (key, maxSeq) is the newest visible
	// version when its key matches.
	i := sort.Search(len(t.points), func(i int) bool {
		return !mutationLess(t.points[i], mutation.Mutation{Key: key, Seqno: maxSeq})
	})
	if i < len(t.points) && bytes.Equal(t.points[i].Key, key) {
		candidate = t.points[i]
		havePoint = true
	}

	var (
		ptomb     mutation.Mutation
		havePtomb bool
	)
	for _, pt := range t.ptombs {
		if pt.Seqno > maxSeq || !bytes.HasPrefix(key, pt.Key) {
			continue
		}
		if !havePtomb || pt.Seqno > ptomb.Seqno {
			ptomb = pt
			havePtomb = true
		}
	}

	if havePtomb && (!havePoint || ptomb.Seqno > candidate.Seqno) {
		return ptomb, true, nil
	}
	if !havePoint {
		return mutation.Mutation{}, false, nil
	}
	return candidate, true, nil
}

// Ingests returns the number of sets absorbed so far.
func (t *Memory) Ingests() int64 {
	return t.ingests.Load()
}

// Mutations returns the number of mutations absorbed so far.
func (t *Memory) Mutations() int64 {
	return t.mutations.Load()
}

func mutationLess(a, b mutation.Mutation) bool {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.Seqno > b.Seqno
}
