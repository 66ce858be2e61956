package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// SeqAllocator hands out per-room monotonic message ids.
type SeqAllocator interface {
	Next(ctx context.Context, roomID string) (int64, error)
}

// RedisSeq allocates ids with INCR so every gateway instance draws from
// the same sequence.
type RedisSeq struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisSeq creates a redis-backed allocator.
func NewRedisSeq(rdb redis.UniversalClient, prefix string) *RedisSeq {
	if prefix == "" {
		prefix = "chat:seq:"
	}
	return &RedisSeq{rdb: rdb, prefix: prefix}
}

// Next returns the next id for roomID.
func (s *RedisSeq) Next(ctx context.Context, roomID string) (int64, error) {
	id, err := s.rdb.Incr(ctx, s.prefix+roomID).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate id for room %s: %w", roomID, err)
	}
	return id, nil
}

// MemorySeq is a process-local allocator for tests and single-node
// deployments.
type MemorySeq struct {
	mu   sync.Mutex
	next map[string]int64
}

// NewMemorySeq creates an in-memory allocator.
func NewMemorySeq() *MemorySeq {
	return &MemorySeq{next: make(map[string]int64)}
}

// Next returns the next id for roomID.
func (s *MemorySeq) Next(_ context.Context, roomID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[roomID]++
	return s.next[roomID], nil
}
