package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/taskbid/chatsync/internal/model"
)

// Store persists confirmed messages and serves history pages.
// Append may buffer; History reads committed state and may therefore
// trail the newest appends slightly.
type Store interface {
	Append(msg model.Message)
	History(ctx context.Context, roomID string, beforeID int64, limit int) ([]model.Message, bool, error)
	// CountAfter returns how many messages have an id above afterID.
	// Unread counts are derived from it together with the read marks.
	CountAfter(ctx context.Context, roomID string, afterID int64) (int, error)
}

// MemoryStore keeps a bounded per-room log in memory. Used by tests and
// single-node deployments without postgres.
type MemoryStore struct {
	mu     sync.RWMutex
	rooms  map[string][]model.Message
	maxPer int
}

// NewMemoryStore creates a store keeping at most maxPerRoom messages
// per room (0 means unbounded).
func NewMemoryStore(maxPerRoom int) *MemoryStore {
	return &MemoryStore{
		rooms:  make(map[string][]model.Message),
		maxPer: maxPerRoom,
	}
}

// Append records one message.
func (s *MemoryStore) Append(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := append(s.rooms[msg.RoomID], msg)
	sort.Slice(log, func(i, j int) bool { return log[i].ID < log[j].ID })
	if s.maxPer > 0 && len(log) > s.maxPer {
		log = log[len(log)-s.maxPer:]
	}
	s.rooms[msg.RoomID] = log
}

// History returns up to limit messages with id strictly below beforeID
// in ascending order, and whether older messages remain.
func (s *MemoryStore) History(_ context.Context, roomID string, beforeID int64, limit int) ([]model.Message, bool, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.rooms[roomID]
	end := len(log)
	if beforeID > 0 {
		end = sort.Search(len(log), func(i int) bool { return log[i].ID >= beforeID })
	}

	start := end - limit
	if start < 0 {
		start = 0
	}

	page := make([]model.Message, end-start)
	copy(page, log[start:end])
	return page, start > 0, nil
}

// CountAfter returns the number of messages with id strictly above
// afterID.
func (s *MemoryStore) CountAfter(_ context.Context, roomID string, afterID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.rooms[roomID]
	start := sort.Search(len(log), func(i int) bool { return log[i].ID > afterID })
	return len(log) - start, nil
}
