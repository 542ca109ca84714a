package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore is an in-process LRU store with per-entry TTL. Expired
// entries are dropped on lookup, by a background sweep, and before any
// capacity eviction, so LRU eviction only ever removes live entries when
// no expired one is left.
type MemoryStore struct {
	lru       *lru.Cache[string, *Entry]
	mu        sync.Mutex // serialises Set with expiry removal
	maxSize   int
	now       func() time.Time
	evictions atomic.Int64
	expired   atomic.Int64

	sweepInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithSweepInterval starts a background goroutine removing expired
// entries every d. Stop it with Close.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.sweepInterval = d }
}

// NewMemoryStore creates a new in-memory LRU store holding at most maxSize
// entries.
func NewMemoryStore(maxSize int, opts ...MemoryOption) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	s := &MemoryStore{
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	s.lru, _ = lru.New[string, *Entry](maxSize)
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		go s.sweepLoop(s.sweepInterval)
	}
	return s
}

// Get returns a live entry and marks it recently used. An expired entry is
// removed and reported absent.
func (s *MemoryStore) Get(key string) (*Entry, bool) {
	e, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	if e.Expired(s.now()) {
		s.mu.Lock()
		s.removeExpired(key, e)
		s.mu.Unlock()
		return nil, false
	}
	return e, true
}

// Set stores entry under key. When the store is full and key is new,
// expired entries are cleaned out first; only then does LRU eviction
// apply.
func (s *MemoryStore) Set(key string, entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lru.Len() >= s.maxSize && !s.lru.Contains(key) {
		s.sweep()
	}
	if evicted := s.lru.Add(key, entry); evicted {
		s.evictions.Add(1)
	}
}

func (s *MemoryStore) Delete(key string) {
	s.lru.Remove(key)
}

func (s *MemoryStore) Purge() {
	s.lru.Purge()
}

func (s *MemoryStore) Len() int {
	return s.lru.Len()
}

func (s *MemoryStore) Stats() StoreStats {
	return StoreStats{
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Evictions: s.evictions.Load(),
		Expired:   s.expired.Load(),
	}
}

// Sweep removes every expired entry and reports how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweep()
}

func (s *MemoryStore) sweep() int {
	now := s.now()
	removed := 0
	for _, key := range s.lru.Keys() {
		if e, ok := s.lru.Peek(key); ok && e.Expired(now) {
			if s.removeExpired(key, e) {
				removed++
			}
		}
	}
	return removed
}

// removeExpired drops key if it still holds e, so a fresh entry stored
// concurrently is not lost. s.mu must be held.
func (s *MemoryStore) removeExpired(key string, e *Entry) bool {
	if cur, ok := s.lru.Peek(key); !ok || cur != e {
		return false
	}
	if s.lru.Remove(key) {
		s.expired.Add(1)
		return true
	}
	return false
}

func (s *MemoryStore) sweepLoop(d time.Duration) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
