package storage

import (
	"errors"
	"sync"
	"time"

	"vidgate/internal/models"
)

var (
	// ErrViewerNotFound indicates the Telegram user has never been recorded.
	ErrViewerNotFound = errors.New("viewer not found")
	// ErrVideoNotFound indicates the requested video asset does not exist.
	ErrVideoNotFound = errors.New("video not found")
	// ErrAdNotFound indicates the requested ad does not exist.
	ErrAdNotFound = errors.New("ad not found")
	// ErrMessageNotFound indicates no tracked message exists under the key.
	ErrMessageNotFound = errors.New("tracked message not found")
)

type dataset struct {
	Viewers  map[int64]models.Viewer          `json:"users"`
	Videos   map[string]models.VideoAsset     `json:"videos"`
	Ads      map[string]models.Ad             `json:"ads"`
	Messages map[string]models.TrackedMessage `json:"messages"`
	States   map[int64]models.ViewerState     `json:"userStates"`
}

// Storage is the JSON-file-backed repository. All reads and writes go through
// a single mutex; every mutation persists the full dataset atomically before
// it becomes visible.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// UpsertViewerParams carries the identity fields refreshed on every contact
// with a Telegram user.
type UpsertViewerParams struct {
	ID        int64
	Username  string
	FirstName string
}

// CreateAdParams describes a new sponsor placement.
type CreateAdParams struct {
	Title       string
	Description string
	URL         string
	Duration    int
	Active      bool
}

// AdUpdate applies a partial update to an ad. Nil fields are left untouched.
type AdUpdate struct {
	Title       *string
	Description *string
	URL         *string
	Duration    *int
	Active      *bool
}

// ViewerStatePatch merges individual session fields into a viewer's state.
// Nil fields are left untouched; ClearCompletedAt drops the completion
// timestamp regardless of CompletedAt.
type ViewerStatePatch struct {
	AdCompleted      *bool
	AdID             *string
	VideoID          *string
	Token            *string
	CompletedAt      *time.Time
	ClearCompletedAt bool
}

// Option mutates storage configuration for whichever backend is opened.
type Option interface {
	applyJSON(*Storage)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	json func(*Storage)
	pg   func(*PostgresConfig)
}

func (o optionAdapter) applyJSON(store *Storage) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(json func(*Storage), pg func(*PostgresConfig)) Option {
	return optionAdapter{json: json, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithClock overrides the timestamp source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return composeOption(
		func(s *Storage) {
			if now != nil {
				s.now = now
			}
		},
		func(cfg *PostgresConfig) {
			if now != nil {
				cfg.Clock = now
			}
		},
	)
}

// WithPostgresPool tunes the pgx connection pool.
func WithPostgresPool(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.MaxConnections = maxConns
		cfg.MinConnections = minConns
	})
}

// WithPostgresTimeouts adjusts connection acquisition and per-query deadlines.
func WithPostgresTimeouts(acquire, query time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if acquire > 0 {
			cfg.AcquireTimeout = acquire
		}
		if query > 0 {
			cfg.QueryTimeout = query
		}
	})
}

// WithPostgresApplicationName labels pool connections in pg_stat_activity.
func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.ApplicationName = name
	})
}
