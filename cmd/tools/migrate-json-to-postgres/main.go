// Command migrate-json-to-postgres migrates stored data from JSON into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"vidgate/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/store.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("VIDGATE_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, VIDGATE_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	source, err := storage.NewStorage(*jsonPath)
	if err != nil {
		logger.Error("failed to open JSON datastore", "error", err)
		os.Exit(1)
	}
	snapshot, err := source.Snapshot()
	if err != nil {
		logger.Error("failed to export JSON snapshot", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded JSON snapshot",
		"path", *jsonPath,
		"users", len(snapshot.Viewers),
		"videos", len(snapshot.Videos),
		"ads", len(snapshot.Ads),
		"messages", len(snapshot.Messages),
		"states", len(snapshot.States))

	repo, err := storage.NewPostgresRepository(dsn)
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closer, ok := repo.(interface{ Close(context.Context) error }); ok {
			_ = closer.Close(context.Background())
		}
	}()

	if err := storage.ImportSnapshot(context.Background(), repo, snapshot); err != nil {
		logger.Error("failed to import snapshot", "error", err)
		os.Exit(1)
	}

	if err := verifyCounts(context.Background(), dsn, snapshot); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "users", len(snapshot.Viewers), "videos", len(snapshot.Videos), "ads", len(snapshot.Ads))
}

func verifyCounts(ctx context.Context, dsn string, snapshot storage.Snapshot) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"users", "SELECT COUNT(*) FROM users", len(snapshot.Viewers)},
		{"videos", "SELECT COUNT(*) FROM videos", len(snapshot.Videos)},
		{"ads", "SELECT COUNT(*) FROM ads", len(snapshot.Ads)},
		{"messages", "SELECT COUNT(*) FROM messages", len(snapshot.Messages)},
		{"user_states", "SELECT COUNT(*) FROM user_states", len(snapshot.States)},
	}

	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual != check.expected {
			return fmt.Errorf("mismatch for %s: expected %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}
