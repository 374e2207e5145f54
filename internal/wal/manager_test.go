package wal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupJournalTest(t *testing.T) *Manager {
	t.Helper()

	config := Config{
		MaxFileSize:    1024, // 1KB
		MaxFiles:       3,
		RotationPeriod: time.Minute,
	}

	manager, err := NewManager(t.TempDir(), config)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	return manager
}

func TestJournalAppend(t *testing.T) {
	manager := setupJournalTest(t)

	entry := &Entry{
		Store: "test-store",
		Kind:  0,
		Key:   []byte("test-key"),
		Value: []byte("test-value"),
		Seqno: 1,
	}
	require.NoError(t, manager.Append(entry))

	stats := manager.GetStats()
	assert.Equal(t, int64(1), stats.TotalEntries)
	assert.NotZero(t, stats.TotalSize)
}

func TestJournalRotation(t *testing.T) {
	manager := setupJournalTest(t)

	largeValue := make([]byte, 1024)
	for i := 0; i < 5; i++ {
		entry := &Entry{
			Store: "test-store",
			Key:   []byte("test-key"),
			Value: largeValue,
			Seqno: uint64(i + 1),
		}
		require.NoError(t, manager.Append(entry))
	}

	stats := manager.GetStats()
	assert.Greater(t, stats.RotationCount, int64(1))
}

func TestJournalReplay(t *testing.T) {
	manager := setupJournalTest(t)

	entries := []*Entry{
		{Store: "s1", Kind: 0, Key: []byte("key1"), Value: []byte("value1"), Seqno: 1},
		{Store: "s1", Kind: 0, Key: []byte("key2"), Value: []byte("value2"), Seqno: 2},
		{Store: "s1", Kind: 1, Key: []byte("key1"), Seqno: 3},
	}
	for _, entry := range entries {
		require.NoError(t, manager.Append(entry))
	}
	require.NoError(t, manager.Sync())

	var recovered []*Entry
	err := manager.Replay(func(entry *Entry) error {
		recovered = append(recovered, entry)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, recovered, len(entries))
	for i, entry := range entries {
		assert.Equal(t, entry.Kind, recovered[i].Kind)
		assert.Equal(t, entry.Key, recovered[i].Key)
		assert.Equal(t, entry.Seqno, recovered[i].Seqno)
	}
}

func TestJournalRetention(t *testing.T) {
	manager := setupJournalTest(t)

	largeValue := make([]byte, 1024)
	for i := 0; i < 10; i++ {
		entry := &Entry{
			Store: "s1",
			Key:   []byte("test-key"),
			Value: largeValue,
			Seqno: uint64(i + 1),
		}
		require.NoError(t, manager.Append(entry))
	}

	files, err := filepath.Glob(filepath.Join(manager.dir, "journal-*.log"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(files), manager.config.MaxFiles)
}

func TestNopJournal(t *testing.T) {
	var j Journal = Nop{}
	assert.NoError(t, j.Append(&Entry{Key: []byte("k")}))
	assert.NoError(t, j.Sync())
	assert.NoError(t, j.Close())
}
