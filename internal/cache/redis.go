package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/logging"
)

// RedisStore is a Redis-backed store shared by gateway instances. Keys are
// hashed with xxhash under prefix; Redis expires entries at their TTL.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// NewRedisStore creates a new Redis-backed store. prefix should include the
// route, e.g. "gk:cache:/api:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		timeout: 100 * time.Millisecond,
		now:     time.Now,
	}
}

func init() {
	// http.Header is a named map type; gob needs it registered.
	gob.Register(http.Header{})
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + strconv.FormatUint(xxhash.Sum64String(key), 16)
}

func (s *RedisStore) Get(key string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.Warn("redis cache get failed, treating as miss", zap.Error(err))
		}
		return nil, false
	}

	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		logging.Warn("redis cache decode failed, treating as miss", zap.Error(err))
		return nil, false
	}
	if entry.Expired(s.now()) {
		return nil, false
	}
	return &entry, true
}

func (s *RedisStore) Set(key string, entry *Entry) {
	ttl := entry.InsertedAt.Add(entry.TTL).Sub(s.now())
	if ttl <= 0 {
		return
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		logging.Warn("redis cache encode failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, s.redisKey(key), buf.Bytes(), ttl).Err(); err != nil {
		logging.Warn("redis cache set failed", zap.Error(err))
	}
}

func (s *RedisStore) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		logging.Warn("redis cache delete failed", zap.Error(err))
	}
}

func (s *RedisStore) Purge() {
	s.scan(func(ctx context.Context, keys []string) error {
		return s.client.Del(ctx, keys...).Err()
	})
}

func (s *RedisStore) Len() int {
	n := 0
	s.scan(func(_ context.Context, keys []string) error {
		n += len(keys)
		return nil
	})
	return n
}

func (s *RedisStore) Stats() StoreStats {
	return StoreStats{Size: s.Len()}
}

// scan walks every key under the store prefix in batches.
func (s *RedisStore) scan(fn func(ctx context.Context, keys []string) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			logging.Warn("redis cache scan failed", zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := fn(ctx, keys); err != nil {
				logging.Warn("redis cache batch failed", zap.Error(err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
