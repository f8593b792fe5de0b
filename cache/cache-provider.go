package cache

import (
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for a cache provider.
// It keeps any number of named stores, each mapping keys to []byte values
// (serialized HTTP responses). Keys are scoped to their store, so the same
// key in two stores addresses two independent entries.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Stores returns the names of all stores, in creation order.
	Stores() ([]string, error)
	// Create creates the named store if it does not exist yet.
	Create(store string) error
	// Drop deletes the named store and all its entries.
	// It returns whether the store existed.
	Drop(store string) (bool, error)
	// Get returns the entry stored under key in the given store.
	// The boolean is false if there is no such entry.
	Get(store, key string) (CacheEntry, bool, error)
	// Match returns the entry for key from the first store, in creation
	// order, that has one.
	Match(key string) (CacheEntry, bool, error)
	// Put stores an entry, creating the store if needed and replacing any
	// entry with the same key.
	Put(ce CacheEntry) error
	// PutAll stores all entries in a single store atomically:
	// either every entry is written or none is.
	PutAll(store string, entries []CacheEntry) error
	// Keys calls the given callback for each key in the store.
	Keys(store string, cb func(string)) error
	// Close releases the provider's resources.
	Close() error
}

type CacheEntry struct {
	Store    string
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

type memStore struct {
	seq     int
	entries map[string]CacheEntry
}

type MemCache struct {
	mutex  *sync.RWMutex
	seq    *int
	stores map[string]*memStore
}

func NewMemCache() MemCache {
	return MemCache{
		mutex:  &sync.RWMutex{},
		seq:    new(int),
		stores: make(map[string]*memStore),
	}
}

func (m MemCache) Stores() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.orderedNames(), nil
}

func (m MemCache) orderedNames() []string {
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return m.stores[names[i]].seq < m.stores[names[j]].seq
	})
	return names
}

func (m MemCache) Create(store string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.create(store)
	return nil
}

func (m MemCache) create(store string) *memStore {
	s, ok := m.stores[store]
	if !ok {
		*m.seq++
		s = &memStore{seq: *m.seq, entries: make(map[string]CacheEntry)}
		m.stores[store] = s
	}
	return s
}

func (m MemCache) Drop(store string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.stores[store]
	delete(m.stores, store)
	return ok, nil
}

func (m MemCache) Get(store, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	s, ok := m.stores[store]
	if !ok {
		return CacheEntry{}, false, nil
	}
	ce, ok := s.entries[key]
	return ce, ok, nil
}

func (m MemCache) Match(key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range m.orderedNames() {
		if ce, ok := m.stores[name].entries[key]; ok {
			return ce, true, nil
		}
	}
	return CacheEntry{}, false, nil
}

func (m MemCache) Put(ce CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.create(ce.Store).entries[ce.Key] = ce
	return nil
}

func (m MemCache) PutAll(store string, entries []CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s := m.create(store)
	for _, ce := range entries {
		ce.Store = store
		s.entries[ce.Key] = ce
	}
	return nil
}

func (m MemCache) Keys(store string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0)
	if s, ok := m.stores[store]; ok {
		for key := range s.entries {
			keys = append(keys, key)
		}
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) Close() error {
	return nil
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS stores (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, err
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Stores() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY seq ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Create(store string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO stores (name) VALUES (?)", store)
	return err
}

func (s SQLiteCache) Drop(store string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE store = ?", store); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM stores WHERE name = ?", store)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteCache) Get(store, key string) (CacheEntry, bool, error) {
	ce := CacheEntry{Store: store, Key: key}
	var storedAt int64
	err := s.db.QueryRow("SELECT stored_at, bytes FROM entries WHERE store = ? AND key = ?", store, key).
		Scan(&storedAt, &ce.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	} else if err != nil {
		return CacheEntry{}, false, err
	}
	ce.StoredAt = time.Unix(storedAt, 0)
	return ce, true, nil
}

func (s SQLiteCache) Match(key string) (CacheEntry, bool, error) {
	ce := CacheEntry{Key: key}
	var storedAt int64
	err := s.db.QueryRow(`SELECT e.store, e.stored_at, e.bytes
		FROM entries e JOIN stores s ON s.name = e.store
		WHERE e.key = ? ORDER BY s.seq ASC LIMIT 1`, key).
		Scan(&ce.Store, &storedAt, &ce.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	} else if err != nil {
		return CacheEntry{}, false, err
	}
	ce.StoredAt = time.Unix(storedAt, 0)
	return ce, true, nil
}

func (s SQLiteCache) Put(ce CacheEntry) error {
	return s.PutAll(ce.Store, []CacheEntry{ce})
}

func (s SQLiteCache) PutAll(store string, entries []CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("INSERT OR IGNORE INTO stores (name) VALUES (?)", store); err != nil {
		return err
	}
	for _, ce := range entries {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO entries
			(store, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			store, ce.Key, ce.StoredAt.Unix(), ce.Bytes); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s SQLiteCache) Keys(store string, cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM entries WHERE store = ? ORDER BY key", store)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
