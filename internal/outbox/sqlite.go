package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go-messenger/internal/outbox/migrations"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// SQLiteQueue keeps queued sends in a local SQLite file so they survive restarts.
type SQLiteQueue struct {
	db         *sql.DB
	maxRetries int
	now        func() time.Time
}

// OpenSQLite opens (creating if needed) the queue file at path and applies
// pending migrations.
func OpenSQLite(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping queue db: %w", err)
	}
	// one writer; sqlite serialises anyway
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteQueue{db: db, maxRetries: MaxRetries, now: time.Now}, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

// Enqueue stores req. Enqueueing an idempotency key that is already queued
// returns the existing entry.
func (q *SQLiteQueue) Enqueue(ctx context.Context, req Request) (Entry, error) {
	if req.IdempotencyKey == "" {
		return Entry{}, errors.New("enqueue: idempotency key is required")
	}
	e := Entry{
		ID:        ulid.Make().String(),
		Request:   req,
		CreatedAt: q.now().UTC(),
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue (id, method, url, body, idempotency_key, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID, req.Method, req.URL, req.Body, req.IdempotencyKey, e.CreatedAt.UnixMilli())
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue: %w", err)
	}

	row := q.db.QueryRowContext(ctx, `
		SELECT id, method, url, body, idempotency_key, retry_count, created_at
		FROM queue WHERE idempotency_key = ?`, req.IdempotencyKey)
	return scanEntry(row)
}

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var (
		e       Entry
		created int64
	)
	err := row.Scan(&e.ID, &e.Request.Method, &e.Request.URL, &e.Request.Body,
		&e.Request.IdempotencyKey, &e.RetryCount, &created)
	if err != nil {
		return Entry{}, err
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	return e, nil
}

// Drain returns up to limit entries, oldest first.
func (q *SQLiteQueue) Drain(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, method, url, body, idempotency_key, retry_count, created_at
		FROM queue ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (q *SQLiteQueue) Ack(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

func (q *SQLiteQueue) Nack(ctx context.Context, id string) (bool, error) {
	var retries int
	err := q.db.QueryRowContext(ctx,
		`UPDATE queue SET retry_count = retry_count + 1 WHERE id = ? RETURNING retry_count`, id).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("nack %s: %w", id, err)
	}
	if retries < q.maxRetries {
		return false, nil
	}
	if err := q.Ack(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}
