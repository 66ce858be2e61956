package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskbid/chatsync/internal/model"
)

// PGStoreConfig tunes the postgres message store.
type PGStoreConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultPGStoreConfig returns sensible defaults.
func DefaultPGStoreConfig() PGStoreConfig {
	return PGStoreConfig{
		BatchSize:     200,
		FlushInterval: 250 * time.Millisecond,
	}
}

// PGStoreMetrics counts store activity.
type PGStoreMetrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
}

// PGStore persists messages to postgres in batches. Appends accumulate
// and flush on size or interval; duplicate (room_id, id) pairs are
// dropped by the insert so redelivered broadcasts are harmless.
type PGStore struct {
	cfg    PGStoreConfig
	logger *slog.Logger
	db     *pgxpool.Pool

	batch       []model.Message
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics PGStoreMetrics
}

// NewPGStore creates a postgres-backed store.
func NewPGStore(cfg PGStoreConfig, db *pgxpool.Pool, logger *slog.Logger) *PGStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 250 * time.Millisecond
	}
	return &PGStore{
		cfg:    cfg,
		db:     db,
		logger: logger,
		batch:  make([]model.Message, 0, cfg.BatchSize),
	}
}

// Start launches the flush loop.
func (s *PGStore) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.flushTicker = time.NewTicker(s.cfg.FlushInterval)

	s.wg.Add(1)
	go s.flushLoop()

	s.logger.Info("message store started",
		"batch_size", s.cfg.BatchSize,
		"flush_interval", s.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the flush loop and writes the final batch.
func (s *PGStore) Stop(ctx context.Context) error {
	s.logger.Info("stopping message store")

	if s.cancel != nil {
		s.cancel()
	}
	if s.flushTicker != nil {
		s.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("message store stopped")
	case <-ctx.Done():
		s.logger.Warn("message store stop timed out")
	}

	s.flush(context.Background())
	return nil
}

// Stats returns current metrics.
func (s *PGStore) Stats() PGStoreMetrics {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return s.metrics
}

// Append adds a message to the current batch.
func (s *PGStore) Append(msg model.Message) {
	s.batchMu.Lock()
	s.batch = append(s.batch, msg)
	shouldFlush := len(s.batch) >= s.cfg.BatchSize
	s.batchMu.Unlock()

	if shouldFlush {
		s.flush(s.ctx)
	}
}

// History returns up to limit messages with id strictly below beforeID
// in ascending order, and whether older messages remain.
func (s *PGStore) History(ctx context.Context, roomID string, beforeID int64, limit int) ([]model.Message, bool, error) {
	if limit <= 0 {
		limit = 50
	}

	// Fetch one extra row to learn whether the page is the last one.
	rows, err := s.db.Query(ctx, `
		SELECT id, room_id, sender_id, content, created_at
		FROM messages
		WHERE room_id = $1 AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`, roomID, beforeID, limit+1)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var page []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, false, err
		}
		m.Status = model.StatusSent
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(page) > limit
	if hasMore {
		page = page[:limit]
	}

	// Rows came newest-first; callers want ascending ids.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, hasMore, nil
}

// CountAfter returns the number of committed messages with id strictly
// above afterID. Like History it may trail unflushed appends.
func (s *PGStore) CountAfter(ctx context.Context, roomID string, afterID int64) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*)
		FROM messages
		WHERE room_id = $1 AND id > $2
	`, roomID, afterID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// flushLoop periodically flushes the batch.
func (s *PGStore) flushLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.flushTicker.C:
			s.flush(s.ctx)
		}
	}
}

// flush writes the current batch to the database.
func (s *PGStore) flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	batch := s.batch
	s.batch = make([]model.Message, 0, s.cfg.BatchSize)
	s.batchMu.Unlock()

	start := time.Now()

	conflicts, err := s.batchInsert(ctx, batch)
	if err != nil {
		s.logger.Error("batch insert failed", "error", err, "count", len(batch))
		s.batchMu.Lock()
		s.metrics.Errors++
		s.batchMu.Unlock()
		return
	}

	s.batchMu.Lock()
	s.metrics.Inserts += int64(len(batch) - conflicts)
	s.metrics.Conflicts += int64(conflicts)
	s.metrics.Flushes++
	s.batchMu.Unlock()

	s.logger.Debug("flushed messages",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (s *PGStore) batchInsert(ctx context.Context, msgs []model.Message) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`
			INSERT INTO messages (id, room_id, sender_id, content, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (room_id, id) DO NOTHING
		`, m.ID, m.RoomID, m.SenderID, m.Content, m.CreatedAt)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range msgs {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
