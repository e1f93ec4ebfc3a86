package lockout

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type memoryRecord struct {
	failures    int
	windowEnd   time.Time
	lockedUntil time.Time
}

// expired reports whether both the failure window and any lock have passed.
func (r *memoryRecord) expired(now time.Time) bool {
	return !now.Before(r.windowEnd) && !now.Before(r.lockedUntil)
}

// MemoryStore keeps lockout state in process. Records are dropped once their
// window and lock have both passed.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
	now     func() time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord), now: time.Now}
}

func (s *MemoryStore) IncrFailures(_ context.Context, key string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, r := range s.records {
		if r.expired(now) {
			delete(s.records, k)
		}
	}
	rec, ok := s.records[key]
	if !ok {
		rec = &memoryRecord{}
		s.records[key] = rec
	}
	if rec.windowEnd.IsZero() || !now.Before(rec.windowEnd) {
		rec.failures = 0
		rec.windowEnd = now.Add(window)
	}
	rec.failures++
	return rec.failures, nil
}

func (s *MemoryStore) Lock(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		rec = &memoryRecord{}
		s.records[key] = rec
	}
	rec.lockedUntil = until
	return nil
}

func (s *MemoryStore) LockedUntil(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if rec.expired(s.now()) {
		delete(s.records, key)
		return time.Time{}, false, nil
	}
	if rec.lockedUntil.IsZero() {
		return time.Time{}, false, nil
	}
	return rec.lockedUntil, true, nil
}

func (s *MemoryStore) ResetFailures(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		rec.failures = 0
		rec.windowEnd = time.Time{}
	}
	return nil
}

func (s *MemoryStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

const redisPrefix = "portal:lockout:"

// RedisStore shares lockout state between processes.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IncrFailures(ctx context.Context, key string, window time.Duration) (int, error) {
	k := redisPrefix + "failures:" + key
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.ExpireNX(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) Lock(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, redisPrefix+"locked:"+key, until.UnixMilli(), ttl).Err()
}

func (s *RedisStore) LockedUntil(ctx context.Context, key string) (time.Time, bool, error) {
	v, err := s.client.Get(ctx, redisPrefix+"locked:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *RedisStore) ResetFailures(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisPrefix+"failures:"+key).Err()
}

func (s *RedisStore) Clear(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisPrefix+"failures:"+key, redisPrefix+"locked:"+key).Err()
}
