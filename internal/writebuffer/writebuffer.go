// Package writebuffer exposes the per-KVS write-buffer handle. A handle
// is the only way a store interacts with the shared coordinator: it
// carries the store's registration index, forwards mutations and reads,
// and falls through to the persistent tree when the in-memory sets have
// no answer.
package writebuffer

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/openlsm/writepath/internal/coordinator"
	kverr "github.com/openlsm/writepath/internal/errors"
	"github.com/openlsm/writepath/internal/mutation"
	"github.com/openlsm/writepath/internal/tree"
)

// Config holds per-store tunables.
type Config struct {
	// SetThresholdBytes overrides the coordinator-wide mutation set
	// rotation threshold for this store. Zero keeps the default.
	SetThresholdBytes int64
}

// Handle binds one KVS to the coordinator for its open lifetime. All
// methods are safe for concurrent use; only Close is exclusive with
// itself.
type Handle struct {
	identity string
	coord    *coordinator.Coordinator
	tree     tree.Tree
	logger   *zap.Logger
	idx      coordinator.StoreIndex
	closed   atomic.Bool
}

// Open registers identity with the coordinator and returns its handle.
// The tree reference is the fallthrough target for reads that miss the
// in-memory sets; it must be the same tree the coordinator ingests into.
func Open(identity string, cfg Config, coord *coordinator.Coordinator,
	t tree.Tree, logger *zap.Logger) (*Handle, error) {

	if coord == nil || t == nil {
		return nil, kverr.New(kverr.ErrorTypeInvalidInput,
			"open requires a coordinator and a tree", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	idx, err := coord.Register(identity, cfg.SetThresholdBytes)
	if err != nil {
		return nil, err
	}
	return &Handle{
		identity: identity,
		coord:    coord,
		tree:     t,
		logger:   logger,
		idx:      idx,
	}, nil
}

// Identity returns the KVS identity this handle was opened with.
func (h *Handle) Identity() string { return h.identity }

// NextSeqno issues the next global sequence number. Callers stamp each
// mutation with it before the corresponding Put or Delete.
func (h *Handle) NextSeqno() uint64 { return h.coord.NextSeqno() }

// Put buffers key=value at seqno.
func (h *Handle) Put(key, value []byte, seqno uint64) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.coord.Put(h.idx, key, value, seqno)
}

// Delete buffers a point tombstone for key at seqno.
func (h *Handle) Delete(key []byte, seqno uint64) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.coord.Delete(h.idx, key, seqno)
}

// PrefixDelete buffers a prefix tombstone at seqno, logically deleting
// every key with the prefix whose seqno is smaller.
func (h *Handle) PrefixDelete(prefix []byte, seqno uint64) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.coord.PrefixDelete(h.idx, prefix, seqno)
}

// Get resolves key at the read snapshot seqno. The in-memory sets are
// consulted first; a miss falls through to the persistent tree. The
// second return reports whether a live value was found.
func (h *Handle) Get(key []byte, seqno uint64) ([]byte, bool, error) {
	if err := h.check(); err != nil {
		return nil, false, err
	}
	res, val, err := h.coord.Get(h.idx, key, seqno)
	if err != nil {
		return nil, false, err
	}
	switch res {
	case coordinator.GetFound:
		return val, true, nil
	case coordinator.GetTombstone:
		return nil, false, nil
	}

	m, found, err := h.tree.LookupFallback(key, seqno)
	if err != nil || !found {
		return nil, false, err
	}
	if m.Kind != mutation.KindPut {
		return nil, false, nil
	}
	return m.Value, true, nil
}

// Sync flushes the store's buffered mutations to the persistent tree
// and blocks until they are durable.
func (h *Handle) Sync() error {
	if err := h.check(); err != nil {
		return err
	}
	return h.coord.Sync(h.idx)
}

// Close syncs the store's remaining buffered mutations and releases its
// registration. Both steps always run; the first error wins. The handle
// is unusable afterward regardless of the outcome.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return kverr.New(kverr.ErrorTypeInvalidHandle,
			"write buffer handle already closed", nil)
	}

	first := h.coord.Sync(h.idx)
	if err := h.coord.Deregister(h.idx); err != nil {
		if first == nil {
			first = err
		} else {
			h.logger.Warn("deregister failed after sync error",
				zap.String("identity", h.identity), zap.Error(err))
		}
	}
	return first
}

func (h *Handle) check() error {
	if h.closed.Load() {
		return kverr.New(kverr.ErrorTypeInvalidHandle,
			"write buffer handle is closed", nil)
	}
	return nil
}
