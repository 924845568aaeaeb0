package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vidgate/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and creates the
// schema when it does not exist yet.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	ctx, cancel := repo.opContext()
	defer cancel()
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, nil
}

// Close drains the connection pool, honouring the context deadline.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.QueryTimeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Viewer operations

func (r *postgresRepository) UpsertViewer(params UpsertViewerParams) (models.Viewer, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	now := r.cfg.Clock()
	row := r.pool.QueryRow(ctx, `
INSERT INTO users (id, username, first_name, joined_at, last_activity)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (id) DO UPDATE SET
    username = EXCLUDED.username,
    first_name = EXCLUDED.first_name,
    last_activity = EXCLUDED.last_activity
RETURNING id, username, first_name, joined_at, videos_watched, last_activity
`, params.ID, strings.TrimSpace(params.Username), strings.TrimSpace(params.FirstName), now)
	return scanViewer(row)
}

func (r *postgresRepository) GetViewer(id int64) (models.Viewer, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	row := r.pool.QueryRow(ctx, `
SELECT id, username, first_name, joined_at, videos_watched, last_activity
FROM users
WHERE id = $1
`, id)
	viewer, err := scanViewer(row)
	if err != nil {
		return models.Viewer{}, false
	}
	return viewer, true
}

func (r *postgresRepository) ListViewers() []models.Viewer {
	ctx, cancel := r.opContext()
	defer cancel()

	rows, err := r.pool.Query(ctx, `
SELECT id, username, first_name, joined_at, videos_watched, last_activity
FROM users
ORDER BY joined_at
`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var viewers []models.Viewer
	for rows.Next() {
		viewer, err := scanViewer(rows)
		if err != nil {
			return nil
		}
		viewers = append(viewers, viewer)
	}
	return viewers
}

func (r *postgresRepository) CountViewers() int {
	ctx, cancel := r.opContext()
	defer cancel()

	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0
	}
	return count
}

func (r *postgresRepository) TouchViewer(id int64) error {
	ctx, cancel := r.opContext()
	defer cancel()

	tag, err := r.pool.Exec(ctx, `UPDATE users SET last_activity = $2 WHERE id = $1`, id, r.cfg.Clock())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrViewerNotFound
	}
	return nil
}

func (r *postgresRepository) RecordVideoWatched(id int64) error {
	ctx, cancel := r.opContext()
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
UPDATE users SET videos_watched = videos_watched + 1, last_activity = $2 WHERE id = $1
`, id, r.cfg.Clock())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrViewerNotFound
	}
	return nil
}

// Video operations

func (r *postgresRepository) PutVideo(video models.VideoAsset) (models.VideoAsset, error) {
	if strings.TrimSpace(video.FileID) == "" {
		return models.VideoAsset{}, errors.New("video file id required")
	}
	if video.ID == "" {
		id, err := generateRecordID()
		if err != nil {
			return models.VideoAsset{}, err
		}
		video.ID = id
	}
	if video.AddedAt.IsZero() {
		video.AddedAt = r.cfg.Clock()
	}
	if strings.TrimSpace(video.Title) == "" {
		video.Title = "Video " + video.ID[:8]
	}
	entities, err := marshalEntities(video.CaptionEntities)
	if err != nil {
		return models.VideoAsset{}, err
	}

	ctx, cancel := r.opContext()
	defer cancel()

	row := r.pool.QueryRow(ctx, `
INSERT INTO videos (id, file_id, title, caption, caption_entities, thumbnail_file_id, duration, file_size, added_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
    file_id = EXCLUDED.file_id,
    title = EXCLUDED.title,
    caption = EXCLUDED.caption,
    caption_entities = EXCLUDED.caption_entities,
    thumbnail_file_id = EXCLUDED.thumbnail_file_id,
    duration = EXCLUDED.duration,
    file_size = EXCLUDED.file_size
RETURNING id, file_id, title, caption, caption_entities, thumbnail_file_id, duration, file_size, added_at, views
`, video.ID, video.FileID, video.Title, video.Caption, entities, video.ThumbnailFileID, video.Duration, video.FileSize, video.AddedAt)
	return scanVideo(row)
}

func (r *postgresRepository) GetVideo(id string) (models.VideoAsset, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	row := r.pool.QueryRow(ctx, `
SELECT id, file_id, title, caption, caption_entities, thumbnail_file_id, duration, file_size, added_at, views
FROM videos
WHERE id = $1
`, id)
	video, err := scanVideo(row)
	if err != nil {
		return models.VideoAsset{}, false
	}
	return video, true
}

func (r *postgresRepository) ListVideos() []models.VideoAsset {
	ctx, cancel := r.opContext()
	defer cancel()

	rows, err := r.pool.Query(ctx, `
SELECT id, file_id, title, caption, caption_entities, thumbnail_file_id, duration, file_size, added_at, views
FROM videos
ORDER BY added_at
`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var videos []models.VideoAsset
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil
		}
		videos = append(videos, video)
	}
	return videos
}

func (r *postgresRepository) DeleteVideo(id string) error {
	ctx, cancel := r.opContext()
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVideoNotFound
	}
	return nil
}

func (r *postgresRepository) RecordVideoView(id string) error {
	ctx, cancel := r.opContext()
	defer cancel()

	tag, err := r.pool.Exec(ctx, `UPDATE videos SET views = views + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// Ad operations

func (r *postgresRepository) CreateAd(params CreateAdParams) (models.Ad, error) {
	if strings.TrimSpace(params.Title) == "" {
		return models.Ad{}, errors.New("ad title required")
	}
	if strings.TrimSpace(params.URL) == "" {
		return models.Ad{}, errors.New("ad url required")
	}
	id, err := generateRecordID()
	if err != nil {
		return models.Ad{}, err
	}
	duration := params.Duration
	if duration <= 0 {
		duration = 15
	}

	ctx, cancel := r.opContext()
	defer cancel()

	row := r.pool.QueryRow(ctx, `
INSERT INTO ads (id, title, description, url, duration, active, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, title, description, url, duration, active, views, clicks, created_at
`, id, strings.TrimSpace(params.Title), strings.TrimSpace(params.Description), strings.TrimSpace(params.URL), duration, params.Active, r.cfg.Clock())
	return scanAd(row)
}

func (r *postgresRepository) UpdateAd(id string, update AdUpdate) (models.Ad, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ad{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
SELECT id, title, description, url, duration, active, views, clicks, created_at
FROM ads
WHERE id = $1
FOR UPDATE
`, id)
	ad, err := scanAd(row)
	if err != nil {
		if isNoRows(err) {
			return models.Ad{}, ErrAdNotFound
		}
		return models.Ad{}, err
	}
	if update.Title != nil {
		if strings.TrimSpace(*update.Title) == "" {
			return models.Ad{}, errors.New("ad title required")
		}
		ad.Title = strings.TrimSpace(*update.Title)
	}
	if update.Description != nil {
		ad.Description = strings.TrimSpace(*update.Description)
	}
	if update.URL != nil {
		if strings.TrimSpace(*update.URL) == "" {
			return models.Ad{}, errors.New("ad url required")
		}
		ad.URL = strings.TrimSpace(*update.URL)
	}
	if update.Duration != nil && *update.Duration > 0 {
		ad.Duration = *update.Duration
	}
	if update.Active != nil {
		ad.Active = *update.Active
	}

	if _, err := tx.Exec(ctx, `
UPDATE ads SET title = $2, description = $3, url = $4, duration = $5, active = $6 WHERE id = $1
`, ad.ID, ad.Title, ad.Description, ad.URL, ad.Duration, ad.Active); err != nil {
		return models.Ad{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Ad{}, err
	}
	return ad, nil
}

func (r *postgresRepository) GetAd(id string) (models.Ad, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	row := r.pool.QueryRow(ctx, `
SELECT id, title, description, url, duration, active, views, clicks, created_at
FROM ads
WHERE id = $1
`, id)
	ad, err := scanAd(row)
	if err != nil {
		return models.Ad{}, false
	}
	return ad, true
}

func (r *postgresRepository) ListAds(activeOnly bool) []models.Ad {
	ctx, cancel := r.opContext()
	defer cancel()

	query := `
SELECT id, title, description, url, duration, active, views, clicks, created_at
FROM ads
ORDER BY created_at
`
	if activeOnly {
		query = `
SELECT id, title, description, url, duration, active, views, clicks, created_at
FROM ads
WHERE active
ORDER BY created_at
`
	}
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var ads []models.Ad
	for rows.Next() {
		ad, err := scanAd(rows)
		if err != nil {
			return nil
		}
		ads = append(ads, ad)
	}
	return ads
}

func (r *postgresRepository) DeleteAd(id string) error {
	ctx, cancel := r.opContext()
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM ads WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAdNotFound
	}
	return nil
}

func (r *postgresRepository) RecordAdView(id string) error {
	return r.bumpAdCounter(id, "views")
}

func (r *postgresRepository) RecordAdClick(id string) error {
	return r.bumpAdCounter(id, "clicks")
}

func (r *postgresRepository) bumpAdCounter(id, column string) error {
	ctx, cancel := r.opContext()
	defer cancel()

	// column is one of the fixed counter names, never caller input.
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`UPDATE ads SET %s = %s + 1 WHERE id = $1`, column, column), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAdNotFound
	}
	return nil
}

// Tracked message operations

func (r *postgresRepository) TrackMessage(msg models.TrackedMessage) error {
	if msg.UserID == 0 || msg.MessageID == 0 {
		return errors.New("tracked message requires user and message ids")
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = r.cfg.Clock()
	}
	if msg.DeleteAt.IsZero() {
		return errors.New("tracked message requires a delete deadline")
	}

	ctx, cancel := r.opContext()
	defer cancel()

	_, err := r.pool.Exec(ctx, `
INSERT INTO messages (message_key, user_id, chat_id, message_id, kind, video_id, sent_at, delete_at, deleted, deleted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (message_key) DO UPDATE SET
    kind = EXCLUDED.kind,
    video_id = EXCLUDED.video_id,
    sent_at = EXCLUDED.sent_at,
    delete_at = EXCLUDED.delete_at,
    deleted = EXCLUDED.deleted,
    deleted_at = EXCLUDED.deleted_at
`, msg.Key(), msg.UserID, msg.ChatID, msg.MessageID, msg.Kind, msg.VideoID, msg.SentAt, msg.DeleteAt, msg.Deleted, msg.DeletedAt)
	return err
}

func (r *postgresRepository) ListViewerMessages(userID int64, includeDeleted bool) []models.TrackedMessage {
	ctx, cancel := r.opContext()
	defer cancel()

	query := `
SELECT message_key, user_id, chat_id, message_id, kind, video_id, sent_at, delete_at, deleted, deleted_at
FROM messages
WHERE user_id = $1
ORDER BY sent_at
`
	if !includeDeleted {
		query = `
SELECT message_key, user_id, chat_id, message_id, kind, video_id, sent_at, delete_at, deleted, deleted_at
FROM messages
WHERE user_id = $1 AND NOT deleted
ORDER BY sent_at
`
	}
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (r *postgresRepository) ListExpiredMessages(now time.Time) []models.TrackedMessage {
	ctx, cancel := r.opContext()
	defer cancel()

	rows, err := r.pool.Query(ctx, `
SELECT message_key, user_id, chat_id, message_id, kind, video_id, sent_at, delete_at, deleted, deleted_at
FROM messages
WHERE NOT deleted AND delete_at <= $1
ORDER BY delete_at
`, now)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (r *postgresRepository) MarkMessageDeleted(key string, at time.Time) error {
	if at.IsZero() {
		at = r.cfg.Clock()
	}

	ctx, cancel := r.opContext()
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
UPDATE messages SET deleted = TRUE, deleted_at = $2 WHERE message_key = $1
`, key, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Viewer state operations

func (r *postgresRepository) GetViewerState(userID int64) (models.ViewerState, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	row := r.pool.QueryRow(ctx, `
SELECT user_id, ad_completed, ad_id, video_id, token, completed_at, updated_at
FROM user_states
WHERE user_id = $1
`, userID)
	state, err := scanViewerState(row)
	if err != nil {
		return models.ViewerState{}, false
	}
	return state, true
}

func (r *postgresRepository) MergeViewerState(userID int64, patch ViewerStatePatch) (models.ViewerState, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ViewerState{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
SELECT user_id, ad_completed, ad_id, video_id, token, completed_at, updated_at
FROM user_states
WHERE user_id = $1
FOR UPDATE
`, userID)
	state, err := scanViewerState(row)
	if err != nil {
		if !isNoRows(err) {
			return models.ViewerState{}, err
		}
		state = models.ViewerState{UserID: userID}
	}
	state = applyViewerStatePatch(state, patch)
	state.UpdatedAt = r.cfg.Clock()

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
		return models.ViewerState{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ViewerState{}, err
	}
	return state, nil
}

// Row scanning helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanViewer(row rowScanner) (models.Viewer, error) {
	var viewer models.Viewer
	var lastActivity *time.Time
	if err := row.Scan(&viewer.ID, &viewer.Username, &viewer.FirstName, &viewer.JoinedAt, &viewer.VideosWatched, &lastActivity); err != nil {
		return models.Viewer{}, err
	}
	viewer.LastActivity = lastActivity
	return viewer, nil
}

func scanVideo(row rowScanner) (models.VideoAsset, error) {
	var video models.VideoAsset
	var entities []byte
	if err := row.Scan(&video.ID, &video.FileID, &video.Title, &video.Caption, &entities, &video.ThumbnailFileID, &video.Duration, &video.FileSize, &video.AddedAt, &video.Views); err != nil {
		return models.VideoAsset{}, err
	}
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &video.CaptionEntities); err != nil {
			return models.VideoAsset{}, fmt.Errorf("decode caption entities: %w", err)
		}
	}
	return video, nil
}

func scanAd(row rowScanner) (models.Ad, error) {
	var ad models.Ad
	if err := row.Scan(&ad.ID, &ad.Title, &ad.Description, &ad.URL, &ad.Duration, &ad.Active, &ad.Views, &ad.Clicks, &ad.CreatedAt); err != nil {
		return models.Ad{}, err
	}
	return ad, nil
}

func scanViewerState(row rowScanner) (models.ViewerState, error) {
	var state models.ViewerState
	var completedAt *time.Time
	if err := row.Scan(&state.UserID, &state.AdCompleted, &state.AdID, &state.VideoID, &state.Token, &completedAt, &state.UpdatedAt); err != nil {
		return models.ViewerState{}, err
	}
	state.CompletedAt = completedAt
	return state, nil
}

func collectMessages(rows pgx.Rows) []models.TrackedMessage {
	var messages []models.TrackedMessage
	for rows.Next() {
		var msg models.TrackedMessage
		var key string
		var deletedAt *time.Time
		if err := rows.Scan(&key, &msg.UserID, &msg.ChatID, &msg.MessageID, &msg.Kind, &msg.VideoID, &msg.SentAt, &msg.DeleteAt, &msg.Deleted, &deletedAt); err != nil {
			return nil
		}
		msg.DeletedAt = deletedAt
		messages = append(messages, msg)
	}
	return messages
}

func marshalEntities(entities []models.CaptionEntity) ([]byte, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(entities)
	if err != nil {
		return nil, fmt.Errorf("encode caption entities: %w", err)
	}
	return data, nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
