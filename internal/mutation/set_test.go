package mutation

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kverr "github.com/openlsm/writepath/internal/errors"
)

func put(key, value string, seq uint64) Mutation {
	return Mutation{Key: []byte(key), Value: []byte(value), Seqno: seq, Kind: KindPut}
}

func del(key string, seq uint64) Mutation {
	return Mutation{Key: []byte(key), Seqno: seq, Kind: KindDelete}
}

func pdel(prefix string, seq uint64) Mutation {
	return Mutation{Key: []byte(prefix), Seqno: seq, Kind: KindPrefixDelete}
}

func TestLookupReadYourWrites(t *testing.T) {
	s := NewSet(0)

	require.NoError(t, s.Insert(put("foo", "bar", 1)))

	res, m := s.Lookup([]byte("foo"), 1)
	assert.Equal(t, LookupFound, res)
	assert.Equal(t, []byte("bar"), m.Value)

	require.NoError(t, s.Insert(del("foo", 2)))

	// At snapshot 2 the delete wins.
	res, _ = s.Lookup([]byte("foo"), 2)
	assert.Equal(t, LookupTombstone, res)

	// The historical read at snapshot 1 still sees the put.
	res, m = s.Lookup([]byte("foo"), 1)
	assert.Equal(t, LookupFound, res)
	assert.Equal(t, []byte("bar"), m.Value)
}

func TestLookupHonorsSnapshot(t *testing.T) {
	s := NewSet(0)

	require.NoError(t, s.Insert(put("k", "v1", 10)))
	require.NoError(t, s.Insert(put("k", "v2", 20)))
	require.NoError(t, s.Insert(put("k", "v3", 30)))

	tests := []struct {
		snapshot uint64
		want     string
		found    bool
	}{
		{5, "", false},
		{10, "v1", true},
		{19, "v1", true},
		{20, "v2", true},
		{30, "v3", true},
		{99, "v3", true},
	}
	for _, tt := range tests {
		res, m := s.Lookup([]byte("k"), tt.snapshot)
		if !tt.found {
			assert.Equal(t, LookupNotFound, res, "snapshot %d", tt.snapshot)
			continue
		}
		require.Equal(t, LookupFound, res, "snapshot %d", tt.snapshot)
		assert.Equal(t, tt.want, string(m.Value), "snapshot %d", tt.snapshot)
	}
}

func TestLookupMissingKey(t *testing.T) {
	s := NewSet(0)

	require.NoError(t, s.Insert(put("present", "v", 1)))

	res, _ := s.Lookup([]byte("absent"), 100)
	assert.Equal(t, LookupNotFound, res)
}

func TestPrefixDeleteMasksOlderPuts(t *testing.T) {
	s := NewSet(0)

	require.NoError(t, s.Insert(put("user/1", "alice", 1)))
	require.NoError(t, s.Insert(put("user/2", "bob", 2)))
	require.NoError(t, s.Insert(put("account/1", "carol", 3)))
	require.NoError(t, s.Insert(pdel("user/", 4)))

	// Everything under the prefix is masked at snapshot 4.
	res, _ := s.Lookup([]byte("user/1"), 4)
	assert.Equal(t, LookupTombstone, res)
	res, _ = s.Lookup([]byte("user/2"), 4)
	assert.Equal(t, LookupTombstone, res)

	// Keys outside the prefix are untouched.
	res, m := s.Lookup([]byte("account/1"), 4)
	assert.Equal(t, LookupFound, res)
	assert.Equal(t, "carol", string(m.Value))

	// Before the prefix delete, the puts are still visible.
	res, m = s.Lookup([]byte("user/1"), 3)
	assert.Equal(t, LookupFound, res)
	assert.Equal(t, "alice", string(m.Value))
}

func TestPrefixDeleteDoesNotMaskNewerPut(t *testing.T) {
	s := NewSet(0)

	require.NoError(t, s.Insert(put("user/1", "old", 1)))
	require.NoError(t, s.Insert(pdel("user/", 2)))
	require.NoError(t, s.Insert(put("user/1", "new", 3)))

	// A put stamped after the prefix delete survives it.
	res, m := s.Lookup([]byte("user/1"), 3)
	assert.Equal(t, LookupFound, res)
	assert.Equal(t, "new", string(m.Value))

	// At snapshot 2 the mask applies.
	res, _ = s.Lookup([]byte("user/1"), 2)
	assert.Equal(t, LookupTombstone, res)
}

func TestOverlappingPrefixDeletesNewestWins(t *testing.T) {
	s := NewSet(0)

	require.NoError(t, s.Insert(put("ab/c", "v1", 1)))
	require.NoError(t, s.Insert(pdel("ab/", 2)))
	require.NoError(t, s.Insert(put("ab/c", "v2", 3)))
	require.NoError(t, s.Insert(pdel("a", 4)))

	// The broader, newer tombstone masks the seq-3 put.
	res, m := s.Lookup([]byte("ab/c"), 4)
	assert.Equal(t, LookupTombstone, res)
	assert.Equal(t, uint64(4), m.Seqno)

	// At snapshot 3 only the narrower seq-2 tombstone applies, and the
	// seq-3 put beats it.
	res, m = s.Lookup([]byte("ab/c"), 3)
	assert.Equal(t, LookupFound, res)
	assert.Equal(t, "v2", string(m.Value))
}

func TestSealStopsInserts(t *testing.T) {
	s := NewSet(0)

	require.NoError(t, s.Insert(put("a", "1", 1)))
	require.NoError(t, s.Seal())
	assert.Equal(t, StateSealed, s.State())

	err := s.Insert(put("b", "2", 2))
	require.Error(t, err)
	assert.True(t, kverr.IsInvalidState(err))

	err = s.Insert(pdel("a", 3))
	require.Error(t, err)
	assert.True(t, kverr.IsInvalidState(err))

	// Reads against a sealed set remain valid.
	res, m := s.Lookup([]byte("a"), 10)
	assert.Equal(t, LookupFound, res)
	assert.Equal(t, "1", string(m.Value))
}

func TestSealTwiceFails(t *testing.T) {
	s := NewSet(0)

	require.NoError(t, s.Insert(put("a", "1", 1)))
	require.NoError(t, s.Seal())

	err := s.Seal()
	require.Error(t, err)
	assert.True(t, kverr.IsInvalidState(err))

	// Contents are not corrupted by the failed second seal.
	assert.Equal(t, int64(1), s.Len())
	res, _ := s.Lookup([]byte("a"), 1)
	assert.Equal(t, LookupFound, res)
}

func TestReleaseRequiresSealed(t *testing.T) {
	s := NewSet(0)

	err := s.Release()
	require.Error(t, err)
	assert.True(t, kverr.IsInvalidState(err))

	require.NoError(t, s.Seal())
	require.NoError(t, s.Release())
	assert.Equal(t, StateReleased, s.State())

	err = s.Release()
	assert.True(t, kverr.IsInvalidState(err))
}

func TestEntriesSortedAndComplete(t *testing.T) {
	s := NewSet(4)

	require.NoError(t, s.Insert(put("b", "v1", 1)))
	require.NoError(t, s.Insert(put("a", "v2", 2)))
	require.NoError(t, s.Insert(del("b", 3)))
	require.NoError(t, s.Insert(pdel("a", 4)))
	require.NoError(t, s.Seal())

	entries := s.Entries()
	require.Len(t, entries, 4)

	// Key ascending, seqno descending within a key; the "a" prefix
	// tombstone shares its key with the "a" put and sorts first.
	assert.Equal(t, uint64(4), entries[0].Seqno)
	assert.Equal(t, KindPrefixDelete, entries[0].Kind)
	assert.Equal(t, uint64(2), entries[1].Seqno)
	assert.Equal(t, uint64(3), entries[2].Seqno)
	assert.Equal(t, KindDelete, entries[2].Kind)
	assert.Equal(t, uint64(1), entries[3].Seqno)
}

func TestSizeAndThreshold(t *testing.T) {
	s := NewSet(0)

	assert.False(t, s.OverThreshold(1024))
	assert.False(t, s.OverThreshold(0)) // zero threshold disables rotation

	require.NoError(t, s.Insert(put("key", string(make([]byte, 2048)), 1)))
	assert.True(t, s.OverThreshold(1024))
	assert.Equal(t, int64(1), s.Len())
	assert.Greater(t, s.Size(), int64(2048))
}

func TestConcurrentInsertAndLookup(t *testing.T) {
	s := NewSet(0)

	const writers = 4
	const perWriter = 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				seq := uint64(w*perWriter + i + 1)
				key := fmt.Sprintf("key-%d-%d", w, i)
				if err := s.Insert(put(key, "v", seq)); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}

	// Concurrent readers against keys that may or may not exist yet.
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				s.Lookup([]byte(fmt.Sprintf("key-0-%d", i)), ^uint64(0))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(writers*perWriter), s.Len())
}

func TestConcurrentSealLosesNoAcceptedInsert(t *testing.T) {
	// Every insert that returns nil must be present after the seal; every
	// insert that loses the race gets an invalid state error.
	for iter := 0; iter < 20; iter++ {
		s := NewSet(0)
		var accepted sync.Map

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					seq := uint64(w*100 + i + 1)
					key := fmt.Sprintf("k-%d-%d", w, i)
					if err := s.Insert(put(key, "v", seq)); err == nil {
						accepted.Store(key, struct{}{})
					}
				}
			}(w)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Seal()
		}()
		wg.Wait()

		accepted.Range(func(k, _ interface{}) bool {
			res, _ := s.Lookup([]byte(k.(string)), ^uint64(0))
			assert.Equal(t, LookupFound, res, "accepted key %s missing after seal", k)
			return true
		})
	}
}
