package storage

import (
	"context"
	"time"

	"vidgate/internal/models"
)

// Repository exposes the datastore operations required by the bot flow, the
// web handlers, and the lifecycle sweeper. Implementations must be safe for
// concurrent use.
type Repository interface {
	Ping(ctx context.Context) error

	UpsertViewer(params UpsertViewerParams) (models.Viewer, error)
	GetViewer(id int64) (models.Viewer, bool)
	ListViewers() []models.Viewer
	CountViewers() int
	TouchViewer(id int64) error
	RecordVideoWatched(id int64) error

	PutVideo(video models.VideoAsset) (models.VideoAsset, error)
	GetVideo(id string) (models.VideoAsset, bool)
	ListVideos() []models.VideoAsset
	DeleteVideo(id string) error
	RecordVideoView(id string) error

	CreateAd(params CreateAdParams) (models.Ad, error)
	UpdateAd(id string, update AdUpdate) (models.Ad, error)
	GetAd(id string) (models.Ad, bool)
	ListAds(activeOnly bool) []models.Ad
	DeleteAd(id string) error
	RecordAdView(id string) error
	RecordAdClick(id string) error

	TrackMessage(msg models.TrackedMessage) error
	ListViewerMessages(userID int64, includeDeleted bool) []models.TrackedMessage
	ListExpiredMessages(now time.Time) []models.TrackedMessage
	MarkMessageDeleted(key string, at time.Time) error

	GetViewerState(userID int64) (models.ViewerState, bool)
	MergeViewerState(userID int64, patch ViewerStatePatch) (models.ViewerState, error)
}

var _ Repository = (*Storage)(nil)
var _ Repository = (*postgresRepository)(nil)
