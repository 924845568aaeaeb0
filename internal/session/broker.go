package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"vidgate/internal/storage"
)

// ErrInvalidSession is returned when a completion attempt does not match the
// stored session, or no session exists for the user.
var ErrInvalidSession = errors.New("invalid ad session")

const defaultTokenLength = 32

// Broker manages per-user ad sessions on top of the record store. A user has
// at most one session; starting a new one replaces whatever was there.
type Broker struct {
	store       storage.Repository
	tokenLength int
	now         func() time.Time
}

// Option tunes broker behaviour.
type Option func(*Broker)

// WithTokenLength overrides the random token length in bytes.
func WithTokenLength(length int) Option {
	return func(b *Broker) {
		if length > 0 {
			b.tokenLength = length
		}
	}
}

// WithClock overrides the timestamp source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroker wires the broker to a repository.
func NewBroker(store storage.Repository, opts ...Option) *Broker {
	broker := &Broker{
		store:       store,
		tokenLength: defaultTokenLength,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(broker)
	}
	return broker
}

// Start opens a fresh ad session for the user and returns its token. Any
// previous session for the user is overwritten.
func (b *Broker) Start(userID int64, videoID, adID string) (string, error) {
	token, err := generateToken(b.tokenLength)
	if err != nil {
		return "", err
	}
	completed := false
	_, err = b.store.MergeViewerState(userID, storage.ViewerStatePatch{
		AdCompleted:      &completed,
		AdID:             &adID,
		VideoID:          &videoID,
		Token:            &token,
		ClearCompletedAt: true,
	})
	if err != nil {
		return "", fmt.Errorf("start ad session: %w", err)
	}
	return token, nil
}

// MarkCompleted records that the user finished watching the ad. The token and
// video must match the stored session; the ad id is not checked, so a rotated
// ad cannot strand a user who already has the page open. Repeat calls succeed
// and refresh the completion timestamp.
func (b *Broker) MarkCompleted(userID int64, videoID, token string) error {
	state, ok := b.store.GetViewerState(userID)
	if !ok {
		return ErrInvalidSession
	}
	if state.Token == "" || state.Token != token {
		return ErrInvalidSession
	}
	if state.VideoID == "" || state.VideoID != videoID {
		return ErrInvalidSession
	}
	completed := true
	completedAt := b.now()
	if _, err := b.store.MergeViewerState(userID, storage.ViewerStatePatch{
		AdCompleted: &completed,
		CompletedAt: &completedAt,
	}); err != nil {
		return fmt.Errorf("mark ad session completed: %w", err)
	}
	return nil
}

// CheckCompleted reports whether the user's current session matches the video
// and has been completed.
func (b *Broker) CheckCompleted(userID int64, videoID string) bool {
	state, ok := b.store.GetViewerState(userID)
	if !ok {
		return false
	}
	return state.AdCompleted && state.VideoID == videoID
}

// Clear resets the user's session. A completion replayed after Clear fails on
// the token check.
func (b *Broker) Clear(userID int64) error {
	completed := false
	empty := ""
	if _, err := b.store.MergeViewerState(userID, storage.ViewerStatePatch{
		AdCompleted:      &completed,
		AdID:             &empty,
		VideoID:          &empty,
		Token:            &empty,
		ClearCompletedAt: true,
	}); err != nil {
		return fmt.Errorf("clear ad session: %w", err)
	}
	return nil
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
