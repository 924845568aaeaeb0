package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
    id BIGINT PRIMARY KEY,
    username TEXT NOT NULL DEFAULT '',
    first_name TEXT NOT NULL DEFAULT '',
    joined_at TIMESTAMPTZ NOT NULL,
    videos_watched INTEGER NOT NULL DEFAULT 0,
    last_activity TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS videos (
    id TEXT PRIMARY KEY,
    file_id TEXT NOT NULL,
    title TEXT NOT NULL,
    caption TEXT NOT NULL DEFAULT '',
    caption_entities JSONB,
    thumbnail_file_id TEXT NOT NULL DEFAULT '',
    duration INTEGER NOT NULL DEFAULT 0,
    file_size BIGINT NOT NULL DEFAULT 0,
    added_at TIMESTAMPTZ NOT NULL,
    views INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS ads (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL,
    duration INTEGER NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    views INTEGER NOT NULL DEFAULT 0,
    clicks INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS messages (
    message_key TEXT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    chat_id BIGINT NOT NULL,
    message_id INTEGER NOT NULL,
    kind TEXT NOT NULL,
    video_id TEXT NOT NULL DEFAULT '',
    sent_at TIMESTAMPTZ NOT NULL,
    delete_at TIMESTAMPTZ NOT NULL,
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    deleted_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS messages_delete_at_idx ON messages (delete_at) WHERE NOT deleted`,
	`CREATE INDEX IF NOT EXISTS messages_user_idx ON messages (user_id)`,
	`CREATE TABLE IF NOT EXISTS user_states (
    user_id BIGINT PRIMARY KEY,
    ad_completed BOOLEAN NOT NULL DEFAULT FALSE,
    ad_id TEXT NOT NULL DEFAULT '',
    video_id TEXT NOT NULL DEFAULT '',
    token TEXT NOT NULL DEFAULT '',
    completed_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL
)`,
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
