package ads

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"vidgate/internal/models"
	"vidgate/internal/storage"
)

// ErrNoActiveAds is returned when no ad is available to gate a delivery.
var ErrNoActiveAds = errors.New("no active ads")

// Rotator picks which ad a viewer has to sit through. Selection is uniform
// over active ads.
type Rotator struct {
	store storage.Repository

	mu   sync.Mutex
	rand *rand.Rand
}

// Option tunes rotator behaviour.
type Option func(*Rotator)

// WithSeed fixes the selection order, primarily for tests.
func WithSeed(seed int64) Option {
	return func(r *Rotator) {
		r.rand = rand.New(rand.NewSource(seed))
	}
}

// NewRotator wires the rotator to a repository.
func NewRotator(store storage.Repository, opts ...Option) *Rotator {
	rotator := &Rotator{store: store}
	for _, opt := range opts {
		opt(rotator)
	}
	return rotator
}

// Next returns a uniformly random active ad.
func (r *Rotator) Next() (models.Ad, error) {
	active := r.store.ListAds(true)
	if len(active) == 0 {
		return models.Ad{}, ErrNoActiveAds
	}
	return active[r.intn(len(active))], nil
}

func (r *Rotator) intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rand != nil {
		return r.rand.Intn(n)
	}
	return rand.Intn(n)
}

// RecordView bumps the ad's view counter.
func (r *Rotator) RecordView(adID string) error {
	if err := r.store.RecordAdView(adID); err != nil {
		return fmt.Errorf("record ad view: %w", err)
	}
	return nil
}

// RecordClick bumps the ad's click counter.
func (r *Rotator) RecordClick(adID string) error {
	if err := r.store.RecordAdClick(adID); err != nil {
		return fmt.Errorf("record ad click: %w", err)
	}
	return nil
}

// EnsureSeed installs a default placement on an empty install so the watch
// flow never dead-ends before an operator has configured real ads.
func (r *Rotator) EnsureSeed() (models.Ad, bool, error) {
	if len(r.store.ListAds(false)) > 0 {
		return models.Ad{}, false, nil
	}
	ad, err := r.store.CreateAd(storage.CreateAdParams{
		Title:       "Sponsored break",
		Description: "Support the channel by watching a short ad.",
		URL:         "https://example.com/sponsor",
		Duration:    15,
		Active:      true,
	})
	if err != nil {
		return models.Ad{}, false, fmt.Errorf("seed default ad: %w", err)
	}
	return ad, true, nil
}
