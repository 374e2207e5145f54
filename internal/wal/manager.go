package wal

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Config contains configuration for journal management.
type Config struct {
	MaxFileSize    int64         // Maximum size of each journal file in bytes
	MaxFiles       int           // Maximum number of journal files to retain
	RotationPeriod time.Duration // Interval for periodic rotation
	SyncOnAppend   bool          // Whether to fsync after every append
}

// Stats tracks operational metrics for the journal.
type Stats struct {
	TotalEntries     int64
	TotalSize        int64
	CurrentFileSize  int64
	RotationCount    int64
	LastRotationTime time.Time
	ErrorCount       int64
}

// Manager manages a directory of size- and time-rotated journal files.
// Old files are only pruned past the retention limit, which bounds disk
// usage while keeping enough history to replay un-ingested mutations.
type Manager struct {
	config     Config
	dir        string
	current    *os.File
	encoder    *gob.Encoder
	stats      Stats
	mutex      sync.RWMutex
	stopCh     chan struct{}
	rotationCh chan struct{}
	closeOnce  sync.Once
}

// NewManager creates a journal manager writing under dir.
func NewManager(dir string, config Config) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %v", err)
	}

	m := &Manager{
		config:     config,
		dir:        dir,
		stopCh:     make(chan struct{}),
		rotationCh: make(chan struct{}, 1),
	}

	if err := m.rotate(); err != nil {
		return nil, fmt.Errorf("failed to create initial journal file: %v", err)
	}

	if config.RotationPeriod > 0 {
		go m.rotationLoop()
		go m.processRotations()
	}

	return m, nil
}

// Append writes an entry to the journal, rotating first when the current
// file is full.
func (m *Manager) Append(entry *Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.config.MaxFileSize > 0 && m.stats.CurrentFileSize >= m.config.MaxFileSize {
		if err := m.rotate(); err != nil {
			m.stats.ErrorCount++
			return fmt.Errorf("failed to rotate journal: %v", err)
		}
	}

	if err := m.encoder.Encode(entry); err != nil {
		m.stats.ErrorCount++
		return fmt.Errorf("failed to encode journal entry: %v", err)
	}

	if m.config.SyncOnAppend {
		if err := m.current.Sync(); err != nil {
			m.stats.ErrorCount++
			return fmt.Errorf("failed to sync journal: %v", err)
		}
	}

	entrySize := int64(len(entry.Key) + len(entry.Value) + 16)
	m.stats.TotalEntries++
	m.stats.TotalSize += entrySize
	m.stats.CurrentFileSize += entrySize

	return nil
}

// Sync flushes the current journal file to disk.
func (m *Manager) Sync() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.current == nil {
		return nil
	}
	return m.current.Sync()
}

// Rotate creates a new journal file.
func (m *Manager) Rotate() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.rotate()
}

func (m *Manager) rotate() error {
	if m.current != nil {
		if err := m.current.Close(); err != nil {
			return fmt.Errorf("failed to close current journal file: %v", err)
		}
	}

	filename := filepath.Join(m.dir,
		fmt.Sprintf("journal-%d.log", time.Now().UnixNano()))
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create new journal file: %v", err)
	}

	m.current = file
	m.encoder = gob.NewEncoder(file)
	m.stats.CurrentFileSize = 0
	m.stats.RotationCount++
	m.stats.LastRotationTime = time.Now()

	if err := m.cleanupOldFiles(); err != nil {
		return fmt.Errorf("failed to cleanup old journal files: %v", err)
	}

	return nil
}

func (m *Manager) cleanupOldFiles() error {
	if m.config.MaxFiles <= 0 {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(m.dir, "journal-*.log"))
	if err != nil {
		return fmt.Errorf("failed to list journal files: %v", err)
	}

	sort.Strings(files)

	if len(files) > m.config.MaxFiles {
		for _, file := range files[:len(files)-m.config.MaxFiles] {
			if err := os.Remove(file); err != nil {
				return fmt.Errorf("failed to remove old journal file: %v", err)
			}
		}
	}

	return nil
}

// Replay feeds every retained entry to handler in write order.
func (m *Manager) Replay(handler func(*Entry) error) error {
	files, err := filepath.Glob(filepath.Join(m.dir, "journal-*.log"))
	if err != nil {
		return fmt.Errorf("failed to list journal files: %v", err)
	}

	sort.Strings(files)

	for _, file := range files {
		if err := m.replayFile(file, handler); err != nil {
			return fmt.Errorf("failed to replay journal file %s: %v", file, err)
		}
	}

	return nil
}

func (m *Manager) replayFile(path string, handler func(*Entry) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %v", err)
	}
	defer file.Close()

	decoder := gob.NewDecoder(file)
	for {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if err.Error() == "EOF" {
				break
			}
			return fmt.Errorf("failed to decode journal entry: %v", err)
		}

		if err := handler(&entry); err != nil {
			return fmt.Errorf("failed to handle journal entry: %v", err)
		}
	}

	return nil
}

// GetStats returns the current journal statistics.
func (m *Manager) GetStats() *Stats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := m.stats
	return &stats
}

// Close closes the journal manager.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.mutex.Lock()
		if m.current != nil {
			m.current.Close()
		}
		m.mutex.Unlock()
	})
	return nil
}

func (m *Manager) rotationLoop() {
	ticker := time.NewTicker(m.config.RotationPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case m.rotationCh <- struct{}{}:
			default: // Skip if rotation already pending
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) processRotations() {
	for {
		select {
		case <-m.rotationCh:
			if err := m.Rotate(); err != nil {
				m.mutex.Lock()
				m.stats.ErrorCount++
				m.mutex.Unlock()
			}
		case <-m.stopCh:
			return
		}
	}
}
