package local

import (
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"
)

// Store is the storage behind one replicated map. Calls are serialized by the
// owning map, so implementations need not be safe for concurrent use.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
	Delete(key string) bool
	Keys() []string
	Len() int
	Close() error
}

// MemoryStore keeps entries in a Go map.
type MemoryStore struct {
	m map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore { return &MemoryStore{m: make(map[string][]byte)} }

func (s *MemoryStore) Get(key string) ([]byte, bool) {
	v, ok := s.m[key]
	return v, ok
}

func (s *MemoryStore) Set(key string, value []byte) error {
	s.m[key] = value
	return nil
}

func (s *MemoryStore) Delete(key string) bool {
	_, ok := s.m[key]
	delete(s.m, key)
	return ok
}

func (s *MemoryStore) Keys() []string {
	out := make([]string, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	return out
}

func (s *MemoryStore) Len() int     { return len(s.m) }
func (s *MemoryStore) Close() error { return nil }

// BigCacheConfig sizes a BigCacheStore. Entries never expire by age; the store
// is a map, not a cache.
type BigCacheConfig struct {
	Shards             int // power of two; 0 => 1024
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // 0 = unlimited
}

// BigCacheStore keeps values off the GC-scanned heap in a BigCache instance.
// BigCache cannot enumerate keys cheaply, so a key index is kept alongside.
type BigCacheStore struct {
	c    *bc.BigCache
	keys map[string]struct{}
}

var _ Store = (*BigCacheStore)(nil)

func NewBigCacheStore(cfg BigCacheConfig) (*BigCacheStore, error) {
	// a very long life window with no clean window disables age-based expiry
	conf := bc.DefaultConfig(100 * 365 * 24 * time.Hour)
	conf.CleanWindow = 0
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	return &BigCacheStore{c: c, keys: make(map[string]struct{})}, nil
}

// BigCache returns an Options.Store factory that gives every map its own store.
func BigCache(cfg BigCacheConfig) func(string) (Store, error) {
	return func(string) (Store, error) { return NewBigCacheStore(cfg) }
}

func (s *BigCacheStore) Get(key string) ([]byte, bool) {
	b, err := s.c.Get(key)
	if err != nil {
		if !errors.Is(err, bc.ErrEntryNotFound) {
			return nil, false
		}
		// evicted under HardMaxCacheSize pressure
		delete(s.keys, key)
		return nil, false
	}
	return b, true
}

func (s *BigCacheStore) Set(key string, value []byte) error {
	if err := s.c.Set(key, value); err != nil {
		return err
	}
	s.keys[key] = struct{}{}
	return nil
}

func (s *BigCacheStore) Delete(key string) bool {
	if _, ok := s.keys[key]; !ok {
		return false
	}
	delete(s.keys, key)
	return s.c.Delete(key) == nil
}

func (s *BigCacheStore) Keys() []string {
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		if _, err := s.c.Get(k); err == nil {
			out = append(out, k)
		}
	}
	return out
}

func (s *BigCacheStore) Len() int     { return len(s.Keys()) }
func (s *BigCacheStore) Close() error { return s.c.Close() }
