// Package cache keeps hot entries in memory in their sealed form. Plaintext
// is never cached; a cache hit skips the backend read but still pays
// integrity verification, unsealing, and decryption.
package cache

import (
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is a cached persisted blob pinned to the index version it was read
// from. A version mismatch on lookup is treated as a miss.
type Entry struct {
	Blob    []byte
	Version uint64
}

// Manager is a bounded LRU of sealed entries.
type Manager struct {
	lru *lru.Cache[string, Entry]
	log *slog.Logger
}

// NewManager creates a cache holding at most capacity entries.
func NewManager(capacity int, log *slog.Logger) (*Manager, error) {
	c, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating lru cache: %w", err)
	}
	return &Manager{lru: c, log: log}, nil
}

// Put inserts or replaces the cached sealed blob for a key.
func (m *Manager) Put(key string, blob []byte, version uint64) {
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.lru.Add(key, Entry{Blob: cp, Version: version})
}

// Get returns the cached blob if present at the expected version. Stale
// entries are evicted on sight.
func (m *Manager) Get(key string, version uint64) ([]byte, bool) {
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false
	}
	if e.Version != version {
		m.lru.Remove(key)
		return nil, false
	}
	return e.Blob, true
}

// Remove drops the cached entry for a key. Called on delete and overwrite.
func (m *Manager) Remove(key string) {
	m.lru.Remove(key)
}

// Purge drops all cached entries.
func (m *Manager) Purge() {
	m.lru.Purge()
}

// Len returns the number of cached entries.
func (m *Manager) Len() int {
	return m.lru.Len()
}
