package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/poyrazK/quotagate/internal/core/domain"
)

// shardCount determines the number of internal shards to reduce lock contention.
const shardCount = 64

type counterEntry struct {
	count   int64
	resetAt time.Time
}

type counterShard struct {
	mu    sync.Mutex
	items map[string]counterEntry
}

// MemoryStore is a single-process RateLimitStore. Each increment holds one
// shard lock for the read-modify-write of a single counter.
type MemoryStore struct {
	shards [shardCount]*counterShard
	clock  domain.Clock
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewMemoryStore creates the store and starts the sweeper that drops elapsed
// counters every interval. A zero interval disables the sweeper.
func NewMemoryStore(clock domain.Clock, interval time.Duration) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	s := &MemoryStore{
		clock: clock,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for i := 0; i < shardCount; i++ {
		s.shards[i] = &counterShard{items: make(map[string]counterEntry)}
	}
	if interval > 0 {
		go s.cleanupLoop(interval)
	} else {
		close(s.done)
	}
	return s
}

func storeKey(identifier string, window domain.Window) string {
	return identifier + ":" + string(window)
}

func (s *MemoryStore) getShard(key string) *counterShard {
	h := fnv.New32a()
	h.Write([]byte(key)) // #nosec G104
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Get(_ context.Context, identifier string, window domain.Window) (domain.Counter, error) {
	key := storeKey(identifier, window)
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.items[key]
	if !ok || !s.clock().Before(e.resetAt) {
		return domain.Counter{}, nil
	}
	return domain.Counter{Count: e.count, ResetAt: e.resetAt}, nil
}

func (s *MemoryStore) IncrementAndExpire(_ context.Context, identifier string, window domain.Window, ttl time.Duration) (domain.Counter, error) {
	key := storeKey(identifier, window)
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := s.clock()
	e, ok := shard.items[key]
	if !ok || !now.Before(e.resetAt) {
		e = counterEntry{resetAt: now.Add(ttl)}
	}
	e.count++
	shard.items[key] = e
	return domain.Counter{Count: e.count, ResetAt: e.resetAt}, nil
}

func (s *MemoryStore) Reset(_ context.Context, identifier string, window domain.Window) error {
	key := storeKey(identifier, window)
	shard := s.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the sweeper. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// Len returns the number of stored counters, live or not yet swept.
func (s *MemoryStore) Len() int {
	n := 0
	for i := 0; i < shardCount; i++ {
		shard := s.shards[i]
		shard.mu.Lock()
		n += len(shard.items)
		shard.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup deletes counters whose window has already elapsed.
func (s *MemoryStore) Cleanup() {
	now := s.clock()
	for i := 0; i < shardCount; i++ {
		shard := s.shards[i]
		shard.mu.Lock()
		for k, e := range shard.items {
			if !now.Before(e.resetAt) {
				delete(shard.items, k)
			}
		}
		shard.mu.Unlock()
	}
}
