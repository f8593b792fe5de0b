package cache

import (
	"fmt"
	"time"
)

// Storage is the registry of named stores kept by a provider.
// It is passed to the components that need caches instead of being global.
type Storage struct {
	provider CacheProvider
}

func NewStorage(provider CacheProvider) *Storage {
	return &Storage{provider: provider}
}

// Open returns a handle to the named store, creating it if needed.
func (s *Storage) Open(name string) (*Store, error) {
	if err := s.provider.Create(name); err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	return s.Handle(name), nil
}

// Handle returns a handle to the named store without creating it.
// The store comes into existence with its first write.
func (s *Storage) Handle(name string) *Store {
	return &Store{name: name, provider: s.provider}
}

// Names returns all store names in creation order.
func (s *Storage) Names() ([]string, error) {
	return s.provider.Stores()
}

// Has reports whether the named store exists.
func (s *Storage) Has(name string) (bool, error) {
	names, err := s.provider.Stores()
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes the named store and everything in it.
func (s *Storage) Delete(name string) (bool, error) {
	return s.provider.Drop(name)
}

// Match looks the key up in all stores, in creation order.
func (s *Storage) Match(key string) (CacheEntry, bool, error) {
	return s.provider.Match(key)
}

// Store is a handle to a single named store.
type Store struct {
	name     string
	provider CacheProvider
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) Match(key string) (CacheEntry, bool, error) {
	return s.provider.Get(s.name, key)
}

// Put stores bytes under key, replacing a previous entry.
func (s *Store) Put(key string, bytes []byte) error {
	return s.provider.Put(CacheEntry{
		Store:    s.name,
		Key:      key,
		StoredAt: time.Now(),
		Bytes:    bytes,
	})
}

// AddAll stores all entries atomically.
func (s *Store) AddAll(entries map[string][]byte) error {
	now := time.Now()
	ces := make([]CacheEntry, 0, len(entries))
	for key, bytes := range entries {
		ces = append(ces, CacheEntry{Store: s.name, Key: key, StoredAt: now, Bytes: bytes})
	}
	return s.provider.PutAll(s.name, ces)
}

// Keys returns all keys in the store.
func (s *Store) Keys() ([]string, error) {
	keys := make([]string, 0)
	err := s.provider.Keys(s.name, func(key string) {
		keys = append(keys, key)
	})
	return keys, err
}
