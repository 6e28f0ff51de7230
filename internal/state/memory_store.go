package state

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the journal in memory. Used by tests and when no
// journal path is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	resets   []ResetRecord
	closed   bool
}

// NewMemoryStore creates an empty journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]SessionRecord),
	}
}

func (m *MemoryStore) RecordSession(rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	rec.ClosedAt = nil
	m.sessions[rec.Path] = rec
	return nil
}

func (m *MemoryStore) MarkClosed(path string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	rec, ok := m.sessions[path]
	if !ok {
		return ErrSessionNotRecorded
	}
	rec.ClosedAt = &at
	m.sessions[path] = rec
	return nil
}

func (m *MemoryStore) RecordClientReset(rec ResetRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.resets = append(m.resets, rec)
	return nil
}

func (m *MemoryStore) ListSessions() ([]SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records, nil
}

func (m *MemoryStore) ListClientResets(path string) ([]ResetRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []ResetRecord
	for _, rec := range m.resets {
		if path == "" || rec.Path == path {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
