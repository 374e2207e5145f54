// Package wal provides the durability journal backing the write buffer.
// Every accepted mutation is appended here before the engine
// acknowledges it, so a failed ingest leaves nothing unrecoverable. The
// write path itself only depends on the Journal interface; replay is a
// capability of the concrete manager, exercised at engine startup.
package wal

import (
	"encoding/gob"
	"os"
	"sync"
)

// Entry represents a single journal record.
type Entry struct {
	Store string // KVS identity the mutation belongs to
	Kind  uint8  // mutation kind, matches mutation.Kind
	Key   []byte
	Value []byte
	Seqno uint64
}

// Journal defines the interface the coordinator appends to.
type Journal interface {
	Append(entry *Entry) error
	Sync() error
	Close() error
}

// Nop is a Journal that discards everything, for configurations running
// without a recovery log.
type Nop struct{}

// Append discards the entry.
func (Nop) Append(*Entry) error { return nil }

// Sync is a no-op.
func (Nop) Sync() error { return nil }

// Close is a no-op.
func (Nop) Close() error { return nil }

// FileJournal implements Journal using a single append-only file.
type FileJournal struct {
	file     *os.File
	encoder  *gob.Encoder
	syncMode bool
	mu       sync.Mutex
}

// NewFileJournal creates a new FileJournal instance. With syncMode set,
// every append is fsynced before returning.
func NewFileJournal(path string, syncMode bool) (*FileJournal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &FileJournal{
		file:     file,
		encoder:  gob.NewEncoder(file),
		syncMode: syncMode,
	}, nil
}

// Append writes a new entry to the journal.
func (w *FileJournal) Append(entry *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.encoder.Encode(entry); err != nil {
		return err
	}

	if w.syncMode {
		return w.file.Sync()
	}
	return nil
}

// Sync ensures all buffered data is written to disk.
func (w *FileJournal) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.file.Sync()
}

// Close closes the journal file.
func (w *FileJournal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.file.Close()
}
