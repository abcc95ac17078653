package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            type VARCHAR(10) CHECK (type IN ('private', 'group')) DEFAULT 'private',
            title VARCHAR(100),
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS participants (
            conversation_id BIGINT REFERENCES conversations(id) ON DELETE CASCADE,
            user_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
            joined_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (conversation_id, user_id)
        )`,

	`CREATE INDEX IF NOT EXISTS participants_user_idx ON participants (user_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            conversation_id BIGINT REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
            content TEXT NOT NULL,
            attachments JSONB NOT NULL DEFAULT '[]',
            idempotency_key VARCHAR(64),
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            edited_at TIMESTAMPTZ,
            deleted_at TIMESTAMPTZ,
            UNIQUE (sender_id, idempotency_key)
        )`,

	`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS push_subscriptions (
            id BIGSERIAL PRIMARY KEY,
            user_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
            endpoint TEXT UNIQUE NOT NULL,
            p256dh TEXT NOT NULL,
            auth TEXT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE INDEX IF NOT EXISTS push_subscriptions_user_idx ON push_subscriptions (user_id)`,

	`CREATE TABLE IF NOT EXISTS user_keys (
            user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
            public_key TEXT NOT NULL,
            wrapped_private_key JSONB,
            updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS conversation_keys (
            conversation_id BIGINT REFERENCES conversations(id) ON DELETE CASCADE,
            user_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
            sealed_key TEXT NOT NULL,
            version INT NOT NULL DEFAULT 1,
            updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (conversation_id, user_id)
        )`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
