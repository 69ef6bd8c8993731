// Package index maps logical keys to storage locations and item metadata.
// Writes land in a memtable backed by a durable badger log and migrate into
// the in-memory btree; reads consult the memtable first so the newest entry
// always wins. The full index is rebuilt from the log on open.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/btree"

	"github.com/teekit/securestore/interfaces"
)

const (
	entryPrefix = "idx/"

	// DefaultMemtableLimit is the number of fresh writes held in the
	// memtable before they are migrated into the btree in one batch.
	DefaultMemtableLimit = 1024

	btreeDegree = 32
)

// Options configures a Manager.
type Options struct {
	// Dir is the badger database directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps the durable log in memory. For tests and ephemeral
	// deployments only; the index does not survive a restart.
	InMemory bool

	// MemtableLimit overrides DefaultMemtableLimit when positive.
	MemtableLimit int
}

// Manager is the index. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	tree     *btree.BTreeG[*interfaces.IndexEntry]
	memtable map[string]*interfaces.IndexEntry
	db       *badger.DB
	limit    int
	log      *slog.Logger
}

// NewManager opens the durable log and rebuilds the in-memory index from it.
func NewManager(opts Options, log *slog.Logger) (*Manager, error) {
	dir := opts.Dir
	if opts.InMemory {
		// Badger rejects disk-less mode with a directory set.
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening index log: %w", err)
	}

	limit := opts.MemtableLimit
	if limit <= 0 {
		limit = DefaultMemtableLimit
	}

	m := &Manager{
		tree:     btree.NewG(btreeDegree, entryLess),
		memtable: make(map[string]*interfaces.IndexEntry),
		db:       db,
		limit:    limit,
		log:      log,
	}

	if err := m.replay(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// Close releases the durable log.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Put records an entry for a key, replacing any previous entry. The write is
// durable before it becomes visible.
func (m *Manager) Put(ctx context.Context, entry interfaces.IndexEntry) error {
	if err := m.persist(entry); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := entry
	m.memtable[entry.Key] = &cp
	if len(m.memtable) >= m.limit {
		m.migrateLocked()
	}
	return nil
}

// Lookup returns the active entry for a key. A memtable entry is strictly
// newer than any btree entry for the same key and wins; the hit is promoted
// into the btree.
func (m *Manager) Lookup(key string) (interfaces.IndexEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.memtable[key]; ok {
		m.tree.ReplaceOrInsert(e)
		delete(m.memtable, key)
		return *e, true
	}
	if e, ok := m.tree.Get(&interfaces.IndexEntry{Key: key}); ok {
		return *e, true
	}
	return interfaces.IndexEntry{}, false
}

// Touch updates access tracking for a key and persists the change. It
// returns the updated entry.
func (m *Manager) Touch(ctx context.Context, key string) (interfaces.IndexEntry, error) {
	m.mu.Lock()
	e, ok := m.activeLocked(key)
	if !ok {
		m.mu.Unlock()
		return interfaces.IndexEntry{}, indexNotFound(key)
	}
	e.AccessedAt = time.Now().UTC()
	e.AccessCount++
	updated := *e
	m.mu.Unlock()

	if err := m.persist(updated); err != nil {
		return interfaces.IndexEntry{}, err
	}
	return updated, nil
}

// Remove drops the entry for a key from the index and the durable log.
func (m *Manager) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	_, inMem := m.memtable[key]
	_, inTree := m.tree.Get(&interfaces.IndexEntry{Key: key})
	if !inMem && !inTree {
		m.mu.Unlock()
		return indexNotFound(key)
	}
	delete(m.memtable, key)
	m.tree.Delete(&interfaces.IndexEntry{Key: key})
	m.mu.Unlock()

	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(entryPrefix + key))
	})
	if err != nil {
		return interfaces.NewStorageError(interfaces.ErrBackendError, interfaces.StageIndex,
			fmt.Errorf("deleting index entry: %w", err))
	}
	return nil
}

// ListKeys returns all keys with the given prefix in sorted order. An empty
// prefix lists everything.
func (m *Manager) ListKeys(prefix string) []string {
	return m.KeysMatching(prefix, nil)
}

// KeysMatching returns the keys under a prefix whose entry metadata carries
// every given attribute, in sorted order. Nil or empty attrs matches all
// entries; a memtable entry's attributes shadow the tree entry's.
func (m *Manager) KeysMatching(prefix string, attrs map[string]string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make(map[string]struct{})
	m.tree.Ascend(func(e *interfaces.IndexEntry) bool {
		if _, shadowed := m.memtable[e.Key]; shadowed {
			return true
		}
		if strings.HasPrefix(e.Key, prefix) && hasAttrs(e, attrs) {
			matches[e.Key] = struct{}{}
		}
		return true
	})
	for k, e := range m.memtable {
		if strings.HasPrefix(k, prefix) && hasAttrs(e, attrs) {
			matches[k] = struct{}{}
		}
	}

	keys := make([]string, 0, len(matches))
	for k := range matches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func hasAttrs(e *interfaces.IndexEntry, attrs map[string]string) bool {
	for k, v := range attrs {
		if e.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Stats aggregates the index into usage statistics.
func (m *Manager) Stats() interfaces.UsageStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats interfaces.UsageStats
	add := func(e *interfaces.IndexEntry) {
		stats.Entries++
		stats.LogicalBytes += e.Size
		stats.StoredBytes += e.StoredSize
	}
	m.tree.Ascend(func(e *interfaces.IndexEntry) bool {
		if _, shadowed := m.memtable[e.Key]; !shadowed {
			add(e)
		}
		return true
	})
	for _, e := range m.memtable {
		add(e)
	}

	if stats.StoredBytes > 0 {
		stats.CompressionRatio = float64(stats.LogicalBytes) / float64(stats.StoredBytes)
	}
	return stats
}

// Entries returns a snapshot of every active entry. Used by the integrity
// sweep.
func (m *Manager) Entries() []interfaces.IndexEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]interfaces.IndexEntry, 0, m.tree.Len()+len(m.memtable))
	m.tree.Ascend(func(e *interfaces.IndexEntry) bool {
		if _, shadowed := m.memtable[e.Key]; !shadowed {
			out = append(out, *e)
		}
		return true
	})
	for _, e := range m.memtable {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// activeLocked finds the current entry for a key, memtable first.
func (m *Manager) activeLocked(key string) (*interfaces.IndexEntry, bool) {
	if e, ok := m.memtable[key]; ok {
		return e, true
	}
	return m.tree.Get(&interfaces.IndexEntry{Key: key})
}

// migrateLocked moves the memtable into the btree. Entries are already
// durable; this only changes which structure serves reads.
func (m *Manager) migrateLocked() {
	for _, e := range m.memtable {
		m.tree.ReplaceOrInsert(e)
	}
	m.memtable = make(map[string]*interfaces.IndexEntry)
	m.log.Debug("Migrated memtable into primary index", "entries", m.tree.Len())
}

func (m *Manager) persist(entry interfaces.IndexEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return interfaces.NewStorageError(interfaces.ErrBackendError, interfaces.StageIndex,
			fmt.Errorf("encoding index entry: %w", err))
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(entryPrefix+entry.Key), raw)
	})
	if err != nil {
		return interfaces.NewStorageError(interfaces.ErrBackendError, interfaces.StageIndex,
			fmt.Errorf("persisting index entry: %w", err))
	}
	return nil
}

// replay loads every logged entry into the btree.
func (m *Manager) replay() error {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(entryPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e interfaces.IndexEntry
				if err := json.Unmarshal(val, &e); err != nil {
					return fmt.Errorf("decoding index entry %q: %w", it.Item().Key(), err)
				}
				m.tree.ReplaceOrInsert(&e)
				count++
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replaying index log: %w", err)
	}
	if count > 0 {
		m.log.Info("Rebuilt index from durable log", "entries", count)
	}
	return nil
}

func entryLess(a, b *interfaces.IndexEntry) bool {
	return a.Key < b.Key
}

func indexNotFound(key string) error {
	return interfaces.NewStorageError(interfaces.ErrNotFound, interfaces.StageIndex,
		fmt.Errorf("no index entry for key %q", key))
}
