package ads

import (
	"errors"
	"path/filepath"
	"testing"

	"vidgate/internal/storage"
)

func newTestRotator(t *testing.T, opts ...Option) (*Rotator, storage.Repository) {
	t.Helper()
	store, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	return NewRotator(store, opts...), store
}

func TestNextSkipsInactiveAds(t *testing.T) {
	rotator, store := newTestRotator(t, WithSeed(1))

	if _, err := rotator.Next(); !errors.Is(err, ErrNoActiveAds) {
		t.Fatalf("expected ErrNoActiveAds on empty store, got %v", err)
	}

	active, err := store.CreateAd(storage.CreateAdParams{Title: "Live", URL: "https://live.test", Active: true})
	if err != nil {
		t.Fatalf("CreateAd active: %v", err)
	}
	if _, err := store.CreateAd(storage.CreateAdParams{Title: "Paused", URL: "https://paused.test", Active: false}); err != nil {
		t.Fatalf("CreateAd paused: %v", err)
	}

	for i := 0; i < 20; i++ {
		ad, err := rotator.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ad.ID != active.ID {
			t.Fatalf("inactive ad selected: %+v", ad)
		}
	}
}

func TestNextCoversAllActiveAds(t *testing.T) {
	rotator, store := newTestRotator(t, WithSeed(7))

	ids := make(map[string]bool)
	for _, title := range []string{"A", "B", "C"} {
		ad, err := store.CreateAd(storage.CreateAdParams{Title: title, URL: "https://" + title + ".test", Active: true})
		if err != nil {
			t.Fatalf("CreateAd %s: %v", title, err)
		}
		ids[ad.ID] = false
	}

	for i := 0; i < 200; i++ {
		ad, err := rotator.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		ids[ad.ID] = true
	}
	for id, seen := range ids {
		if !seen {
			t.Fatalf("ad %s never selected", id)
		}
	}
}

func TestRecordCounters(t *testing.T) {
	rotator, store := newTestRotator(t)

	ad, err := store.CreateAd(storage.CreateAdParams{Title: "X", URL: "https://x.test", Active: true})
	if err != nil {
		t.Fatalf("CreateAd: %v", err)
	}
	if err := rotator.RecordView(ad.ID); err != nil {
		t.Fatalf("RecordView: %v", err)
	}
	if err := rotator.RecordClick(ad.ID); err != nil {
		t.Fatalf("RecordClick: %v", err)
	}
	if err := rotator.RecordView("missing"); err == nil {
		t.Fatal("expected error for unknown ad")
	}

	stored, _ := store.GetAd(ad.ID)
	if stored.Views != 1 || stored.Clicks != 1 {
		t.Fatalf("counters not persisted: %+v", stored)
	}
}

func TestEnsureSeedOnlyOnEmptyStore(t *testing.T) {
	rotator, store := newTestRotator(t)

	seeded, created, err := rotator.EnsureSeed()
	if err != nil {
		t.Fatalf("EnsureSeed: %v", err)
	}
	if !created || !seeded.Active {
		t.Fatalf("expected an active seed ad, got created=%v ad=%+v", created, seeded)
	}

	if _, created, err = rotator.EnsureSeed(); err != nil || created {
		t.Fatalf("second EnsureSeed must be a no-op, created=%v err=%v", created, err)
	}
	if got := len(store.ListAds(false)); got != 1 {
		t.Fatalf("expected a single seeded ad, got %d", got)
	}
}
