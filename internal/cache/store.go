package cache

import (
	"net/http"
	"time"
)

// Entry is a cached backend response.
type Entry struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	InsertedAt time.Time
	TTL        time.Duration
}

// Expired reports whether the entry is stale at now. An entry is valid
// only while now < InsertedAt+TTL.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.InsertedAt.Add(e.TTL))
}

// StoreStats contains storage-level statistics.
type StoreStats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`  // 0 if N/A (e.g., Redis)
	Evictions int64 `json:"evictions"` // 0 if not tracked (e.g., Redis)
	Expired   int64 `json:"expired"`
}

// Store abstracts the cache storage backend. Implementations synchronise
// internally and never report an expired entry as present.
type Store interface {
	Get(key string) (*Entry, bool)
	Set(key string, entry *Entry)
	Delete(key string)
	Purge()
	Len() int
	Stats() StoreStats
}
