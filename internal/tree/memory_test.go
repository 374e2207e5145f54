package tree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kverr "github.com/openlsm/writepath/internal/errors"
	"github.com/openlsm/writepath/internal/mutation"
)

func sealedSet(t *testing.T, ms ...mutation.Mutation) *mutation.Set {
	t.Helper()
	set := mutation.NewSet(0)
	for _, m := range ms {
		require.NoError(t, set.Insert(m))
	}
	require.NoError(t, set.Seal())
	return set
}

func TestMemoryRejectsMutableSet(t *testing.T) {
	m := NewMemory(nil)
	set := mutation.NewSet(0)

	err := m.Ingest(context.Background(), set)
	require.Error(t, err)
	assert.True(t, kverr.IsInvalidState(err))
}

func TestMemoryLookupAcrossIngests(t *testing.T) {
	m := NewMemory(nil)

	require.NoError(t, m.Ingest(context.Background(), sealedSet(t,
		mutation.Mutation{Key: []byte("k"), Value: []byte("v1"), Seqno: 1, Kind: mutation.KindPut},
	)))
	require.NoError(t, m.Ingest(context.Background(), sealedSet(t,
		mutation.Mutation{Key: []byte("k"), Value: []byte("v2"), Seqno: 3, Kind: mutation.KindPut},
	)))

	got, found, err := m.LookupFallback([]byte("k"), 10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), got.Value)

	got, found, err = m.LookupFallback([]byte("k"), 2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), got.Value)

	_, found, err = m.LookupFallback([]byte("missing"), 10)
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, int64(2), m.Ingests())
	assert.Equal(t, int64(2), m.Mutations())
}

func TestMemoryPrefixTombstoneMasks(t *testing.T) {
	m := NewMemory(nil)

	require.NoError(t, m.Ingest(context.Background(), sealedSet(t,
		mutation.Mutation{Key: []byte("user.1"), Value: []byte("alice"), Seqno: 1, Kind: mutation.KindPut},
		mutation.Mutation{Key: []byte("user."), Seqno: 2, Kind: mutation.KindPrefixDelete},
		mutation.Mutation{Key: []byte("user.2"), Value: []byte("bob"), Seqno: 3, Kind: mutation.KindPut},
	)))

	// Masked by the newer prefix tombstone.
	got, found, err := m.LookupFallback([]byte("user.1"), 10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, mutation.KindPrefixDelete, got.Kind)

	// Newer than the tombstone, so it survives.
	got, found, err = m.LookupFallback([]byte("user.2"), 10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("bob"), got.Value)
}
