package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"vidgate/internal/models"
)

// ImportSnapshot copies a JSON dataset export into Postgres inside a single
// transaction. Existing rows with matching keys are overwritten.
func ImportSnapshot(ctx context.Context, repo Repository, snapshot Snapshot) error {
	pg, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("snapshot import requires a postgres repository")
	}
	tx, err := pg.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := importViewers(ctx, tx, snapshot.Viewers); err != nil {
		return err
	}
	if err := importVideos(ctx, tx, snapshot.Videos); err != nil {
		return err
	}
	if err := importAds(ctx, tx, snapshot.Ads); err != nil {
		return err
	}
	if err := importMessages(ctx, tx, snapshot.Messages); err != nil {
		return err
	}
	if err := importStates(ctx, tx, snapshot.States); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot transaction: %w", err)
	}
	return nil
}

func importViewers(ctx context.Context, tx pgx.Tx, viewers []models.Viewer) error {
	for _, viewer := range viewers {
		if _, err := tx.Exec(ctx, `
INSERT INTO users (id, username, first_name, joined_at, videos_watched, last_activity)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    username = EXCLUDED.username,
    first_name = EXCLUDED.first_name,
    joined_at = EXCLUDED.joined_at,
    videos_watched = EXCLUDED.videos_watched,
    last_activity = EXCLUDED.last_activity
`, viewer.ID, viewer.Username, viewer.FirstName, viewer.JoinedAt, viewer.VideosWatched, viewer.LastActivity); err != nil {
			return fmt.Errorf("import user %d: %w", viewer.ID, err)
		}
	}
	return nil
}

func importVideos(ctx context.Context, tx pgx.Tx, videos []models.VideoAsset) error {
	for _, video := range videos {
		entities, err := marshalEntities(video.CaptionEntities)
		if err != nil {
			return fmt.Errorf("import video %s: %w", video.ID, err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO videos (id, file_id, title, caption, caption_entities, thumbnail_file_id, duration, file_size, added_at, views)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
    file_id = EXCLUDED.file_id,
    title = EXCLUDED.title,
    caption = EXCLUDED.caption,
    caption_entities = EXCLUDED.caption_entities,
    thumbnail_file_id = EXCLUDED.thumbnail_file_id,
    duration = EXCLUDED.duration,
    file_size = EXCLUDED.file_size,
    added_at = EXCLUDED.added_at,
    views = EXCLUDED.views
`, video.ID, video.FileID, video.Title, video.Caption, entities, video.ThumbnailFileID, video.Duration, video.FileSize, video.AddedAt, video.Views); err != nil {
			return fmt.Errorf("import video %s: %w", video.ID, err)
		}
	}
	return nil
}

func importAds(ctx context.Context, tx pgx.Tx, ads []models.Ad) error {
	for _, ad := range ads {
		if _, err := tx.Exec(ctx, `
INSERT INTO ads (id, title, description, url, duration, active, views, clicks, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
    title = EXCLUDED.title,
    description = EXCLUDED.description,
    url = EXCLUDED.url,
    duration = EXCLUDED.duration,
    active = EXCLUDED.active,
    views = EXCLUDED.views,
    clicks = EXCLUDED.clicks,
    created_at = EXCLUDED.created_at
`, ad.ID, ad.Title, ad.Description, ad.URL, ad.Duration, ad.Active, ad.Views, ad.Clicks, ad.CreatedAt); err != nil {
			return fmt.Errorf("import ad %s: %w", ad.ID, err)
		}
	}
	return nil
}

func importMessages(ctx context.Context, tx pgx.Tx, messages []models.TrackedMessage) error {
	for _, msg := range messages {
		if _, err := tx.Exec(ctx, `
INSERT INTO messages (message_key, user_id, chat_id, message_id, kind, video_id, sent_at, delete_at, deleted, deleted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (message_key) DO UPDATE SET
    kind = EXCLUDED.kind,
    video_id = EXCLUDED.video_id,
    sent_at = EXCLUDED.sent_at,
    delete_at = EXCLUDED.delete_at,
    deleted = EXCLUDED.deleted,
    deleted_at = EXCLUDED.deleted_at
`, msg.Key(), msg.UserID, msg.ChatID, msg.MessageID, msg.Kind, msg.VideoID, msg.SentAt, msg.DeleteAt, msg.Deleted, msg.DeletedAt); err != nil {
			return fmt.Errorf("import message %s: %w", msg.Key(), err)
		}
	}
	return nil
}

func importStates(ctx context.Context, tx pgx.Tx, states []models.ViewerState) error {
	for _, state := range states {
		if _, err := tx.Exec(ctx, `
INSERT INTO user_states (user_id, ad_completed, ad_id, video_id, token, completed_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id) DO UPDATE SET
    ad_completed = EXCLUDED.ad_completed,
    ad_id = EXCLUDED.ad_id,
    video_id = EXCLUDED.video_id,
    token = EXCLUDED.token,
    completed_at = EXCLUDED.completed_at,
    updated_at = EXCLUDED.updated_at
`, state.UserID, state.AdCompleted, state.AdID, state.VideoID, state.Token, state.CompletedAt, state.UpdatedAt); err != nil {
			return fmt.Errorf("import user state %d: %w", state.UserID, err)
		}
	}
	return nil
}
