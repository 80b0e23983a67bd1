// Package outbox persists frames that could not be published while the
// session was down and replays them in FIFO order once it is back.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/deviceflow/internal/runtime/logging"
)

// DefaultMaxEntries bounds the store when no limit is configured.
const DefaultMaxEntries = 10000

const flushBatch = 100

// Entry is one stored frame.
type Entry struct {
	ID        int64
	Topic     string
	Payload   []byte
	QoS       byte
	CreatedAt time.Time
}

// SendFunc publishes one stored frame. Returning an error stops the flush
// and keeps the frame.
type SendFunc func(ctx context.Context, topic string, payload []byte, qos byte) error

// Store is a SQLite backed FIFO of frames.
type Store struct {
	db         *sql.DB
	maxEntries int
	logger     logging.Logger
}

// Open opens or creates the store at path. ":memory:" keeps it in memory.
func Open(path string, maxEntries int, logger logging.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("outbox: path is required")
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = logging.Discard()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, maxEntries: maxEntries, logger: logger.With(logging.LogFields{"component": "outbox"})}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize outbox schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		qos INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Enqueue appends a frame. When the store is full the oldest frames are
// dropped to make room.
func (s *Store) Enqueue(ctx context.Context, topic string, payload []byte, qos byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to rollback transaction", err, nil)
		}
	}()

	if payload == nil {
		payload = []byte{}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO frames (topic, payload, qos, created_at) VALUES (?, ?, ?, ?)`,
		topic, payload, int(qos), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert frame: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM frames WHERE id NOT IN (SELECT id FROM frames ORDER BY id DESC LIMIT ?)`,
		s.maxEntries,
	)
	if err != nil {
		return fmt.Errorf("failed to trim outbox: %w", err)
	}
	if dropped, _ := res.RowsAffected(); dropped > 0 {
		s.logger.Info("Outbox full, dropped oldest frames", logging.LogFields{"dropped": dropped})
	}
	return tx.Commit()
}

// Len returns the number of stored frames.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames`).Scan(&n)
	return n, err
}

// Peek returns up to limit frames in FIFO order without removing them.
func (s *Store) Peek(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, payload, qos, created_at FROM frames ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e   Entry
			qos int
		)
		if err := rows.Scan(&e.ID, &e.Topic, &e.Payload, &qos, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		e.QoS = byte(qos)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Flush sends stored frames oldest first and removes each one once send
// succeeded. It stops at the first failure and reports how many frames were
// delivered.
func (s *Store) Flush(ctx context.Context, send SendFunc) (int, error) {
	sent := 0
	for {
		entries, err := s.Peek(ctx, flushBatch)
		if err != nil {
			return sent, err
		}
		if len(entries) == 0 {
			return sent, nil
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return sent, err
			}
			if err := send(ctx, e.Topic, e.Payload, e.QoS); err != nil {
				return sent, fmt.Errorf("outbox frame %d: %w", e.ID, err)
			}
			if _, err := s.db.ExecContext(ctx, `DELETE FROM frames WHERE id = ?`, e.ID); err != nil {
				return sent, fmt.Errorf("failed to delete frame %d: %w", e.ID, err)
			}
			sent++
		}
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
