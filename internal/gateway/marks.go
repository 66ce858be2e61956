package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ReadMarks stores per-user read waterlines. The waterline is shared
// across gateway instances so a session reconnecting elsewhere keeps
// its acknowledged reads.
type ReadMarks interface {
	// Advance raises the waterline to id if id is higher and returns
	// the resulting waterline.
	Advance(ctx context.Context, roomID, userID string, id int64) (int64, error)
	// Get returns the current waterline, zero when the user never
	// marked the room read.
	Get(ctx context.Context, roomID, userID string) (int64, error)
}

// advanceScript raises the stored waterline monotonically. The
// compare-and-set runs server-side so concurrent mark_read frames from
// two instances cannot regress it.
var advanceScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local id = tonumber(ARGV[1])
if id > cur then
	redis.call('SET', KEYS[1], ARGV[1])
	return id
end
return cur
`)

// RedisMarks keeps waterlines in redis, one key per (room, user).
type RedisMarks struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisMarks creates a redis-backed waterline store.
func NewRedisMarks(rdb redis.UniversalClient, prefix string) *RedisMarks {
	if prefix == "" {
		prefix = "chat:read:"
	}
	return &RedisMarks{rdb: rdb, prefix: prefix}
}

func (m *RedisMarks) key(roomID, userID string) string {
	return m.prefix + roomID + ":" + userID
}

// Advance raises the waterline for (roomID, userID).
func (m *RedisMarks) Advance(ctx context.Context, roomID, userID string, id int64) (int64, error) {
	mark, err := advanceScript.Run(ctx, m.rdb, []string{m.key(roomID, userID)}, id).Int64()
	if err != nil {
		return 0, fmt.Errorf("advance read mark for %s/%s: %w", roomID, userID, err)
	}
	return mark, nil
}

// Get returns the waterline for (roomID, userID).
func (m *RedisMarks) Get(ctx context.Context, roomID, userID string) (int64, error) {
	mark, err := m.rdb.Get(ctx, m.key(roomID, userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read mark for %s/%s: %w", roomID, userID, err)
	}
	return mark, nil
}

// MemoryMarks is a process-local waterline store for tests and
// single-node deployments.
type MemoryMarks struct {
	mu    sync.Mutex
	marks map[string]map[string]int64 // room → user → waterline
}

// NewMemoryMarks creates an in-memory waterline store.
func NewMemoryMarks() *MemoryMarks {
	return &MemoryMarks{marks: make(map[string]map[string]int64)}
}

// Advance raises the waterline for (roomID, userID).
func (m *MemoryMarks) Advance(_ context.Context, roomID, userID string, id int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byUser, ok := m.marks[roomID]
	if !ok {
		byUser = make(map[string]int64)
		m.marks[roomID] = byUser
	}
	if id > byUser[userID] {
		byUser[userID] = id
	}
	return byUser[userID], nil
}

// Get returns the waterline for (roomID, userID).
func (m *MemoryMarks) Get(_ context.Context, roomID, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marks[roomID][userID], nil
}
