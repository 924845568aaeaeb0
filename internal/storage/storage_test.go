package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vidgate/internal/models"
)

func newTestStore(t *testing.T, extra ...Option) *Storage {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	store, err := NewStorage(path, extra...)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func TestUpsertViewerCreatesThenRefreshes(t *testing.T) {
	store := newTestStore(t)

	created, err := store.UpsertViewer(UpsertViewerParams{ID: 42, Username: "alice", FirstName: "Alice"})
	if err != nil {
		t.Fatalf("UpsertViewer: %v", err)
	}
	if created.JoinedAt.IsZero() {
		t.Fatal("expected JoinedAt to be set")
	}
	if created.LastActivity == nil {
		t.Fatal("expected LastActivity to be set")
	}

	updated, err := store.UpsertViewer(UpsertViewerParams{ID: 42, Username: "alice2", FirstName: "Alice"})
	if err != nil {
		t.Fatalf("UpsertViewer update: %v", err)
	}
	if updated.Username != "alice2" {
		t.Fatalf("expected refreshed username, got %q", updated.Username)
	}
	if !updated.JoinedAt.Equal(created.JoinedAt) {
		t.Fatal("JoinedAt must survive upserts")
	}
	if store.CountViewers() != 1 {
		t.Fatalf("expected one viewer, got %d", store.CountViewers())
	}
}

func TestUpsertViewerPersistFailureRollsBack(t *testing.T) {
	store := newTestStore(t)

	boom := errors.New("disk full")
	store.persistOverride = func(dataset) error {
		return boom
	}
	if _, err := store.UpsertViewer(UpsertViewerParams{ID: 7}); !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	store.persistOverride = nil

	if _, ok := store.GetViewer(7); ok {
		t.Fatal("viewer should not survive a failed persist")
	}
}

func TestRecordVideoWatchedUnknownViewer(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordVideoWatched(99); !errors.Is(err, ErrViewerNotFound) {
		t.Fatalf("expected ErrViewerNotFound, got %v", err)
	}
}

func TestPutVideoPreservesViews(t *testing.T) {
	store := newTestStore(t)

	video, err := store.PutVideo(models.VideoAsset{FileID: "file-1", Title: "Episode 1"})
	if err != nil {
		t.Fatalf("PutVideo: %v", err)
	}
	if video.ID == "" {
		t.Fatal("expected generated id")
	}
	if err := store.RecordVideoView(video.ID); err != nil {
		t.Fatalf("RecordVideoView: %v", err)
	}

	replaced, err := store.PutVideo(models.VideoAsset{ID: video.ID, FileID: "file-2", Title: "Episode 1 (fixed)"})
	if err != nil {
		t.Fatalf("PutVideo replace: %v", err)
	}
	if replaced.Views != 1 {
		t.Fatalf("views should survive re-registration, got %d", replaced.Views)
	}
	if replaced.FileID != "file-2" {
		t.Fatalf("expected updated file id, got %q", replaced.FileID)
	}
}

func TestAdLifecycle(t *testing.T) {
	store := newTestStore(t)

	ad, err := store.CreateAd(CreateAdParams{Title: "Sponsor", URL: "https://sponsor.test", Duration: 20, Active: true})
	if err != nil {
		t.Fatalf("CreateAd: %v", err)
	}
	if err := store.RecordAdView(ad.ID); err != nil {
		t.Fatalf("RecordAdView: %v", err)
	}
	if err := store.RecordAdClick(ad.ID); err != nil {
		t.Fatalf("RecordAdClick: %v", err)
	}

	inactive := false
	updated, err := store.UpdateAd(ad.ID, AdUpdate{Active: &inactive})
	if err != nil {
		t.Fatalf("UpdateAd: %v", err)
	}
	if updated.Active {
		t.Fatal("expected ad to be deactivated")
	}
	if updated.Views != 1 || updated.Clicks != 1 {
		t.Fatalf("counters lost on update: views=%d clicks=%d", updated.Views, updated.Clicks)
	}

	if got := len(store.ListAds(true)); got != 0 {
		t.Fatalf("active-only listing should be empty, got %d", got)
	}
	if got := len(store.ListAds(false)); got != 1 {
		t.Fatalf("expected one ad overall, got %d", got)
	}

	if err := store.DeleteAd(ad.ID); err != nil {
		t.Fatalf("DeleteAd: %v", err)
	}
	if err := store.DeleteAd(ad.ID); !errors.Is(err, ErrAdNotFound) {
		t.Fatalf("expected ErrAdNotFound, got %v", err)
	}
}

func TestCreateAdValidation(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.CreateAd(CreateAdParams{URL: "https://x.test"}); err == nil {
		t.Fatal("expected error for missing title")
	}
	if _, err := store.CreateAd(CreateAdParams{Title: "x"}); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestListExpiredMessagesBoundary(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, WithClock(func() time.Time { return now }))

	due := models.TrackedMessage{
		UserID:    1,
		ChatID:    1,
		MessageID: 10,
		Kind:      models.MessageKindPrompt,
		SentAt:    now.Add(-24 * time.Hour),
		DeleteAt:  now,
	}
	future := models.TrackedMessage{
		UserID:    1,
		ChatID:    1,
		MessageID: 11,
		Kind:      models.MessageKindVideo,
		SentAt:    now,
		DeleteAt:  now.Add(time.Hour),
	}
	if err := store.TrackMessage(due); err != nil {
		t.Fatalf("TrackMessage due: %v", err)
	}
	if err := store.TrackMessage(future); err != nil {
		t.Fatalf("TrackMessage future: %v", err)
	}

	expired := store.ListExpiredMessages(now)
	if len(expired) != 1 {
		t.Fatalf("expected exactly the due message, got %d", len(expired))
	}
	if expired[0].MessageID != 10 {
		t.Fatalf("wrong message expired: %d", expired[0].MessageID)
	}

	if err := store.MarkMessageDeleted(due.Key(), now); err != nil {
		t.Fatalf("MarkMessageDeleted: %v", err)
	}
	if remaining := store.ListExpiredMessages(now); len(remaining) != 0 {
		t.Fatalf("deleted messages must not reappear, got %d", len(remaining))
	}
}

func TestListViewerMessagesFiltersDeleted(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, WithClock(func() time.Time { return now }))

	for i, kind := range []string{models.MessageKindText, models.MessageKindVideo} {
		msg := models.TrackedMessage{
			UserID:    5,
			ChatID:    5,
			MessageID: 100 + i,
			Kind:      kind,
			SentAt:    now.Add(time.Duration(i) * time.Minute),
			DeleteAt:  now.Add(24 * time.Hour),
		}
		if err := store.TrackMessage(msg); err != nil {
			t.Fatalf("TrackMessage: %v", err)
		}
	}
	if err := store.MarkMessageDeleted(models.MessageKey(5, 100), now); err != nil {
		t.Fatalf("MarkMessageDeleted: %v", err)
	}

	live := store.ListViewerMessages(5, false)
	if len(live) != 1 || live[0].MessageID != 101 {
		t.Fatalf("unexpected live messages: %+v", live)
	}
	all := store.ListViewerMessages(5, true)
	if len(all) != 2 {
		t.Fatalf("expected both messages with includeDeleted, got %d", len(all))
	}
}

func TestMergeViewerStateFieldMerge(t *testing.T) {
	store := newTestStore(t)

	token := "tok-1"
	videoID := "vid-1"
	adID := "ad-1"
	completed := false
	state, err := store.MergeViewerState(9, ViewerStatePatch{
		Token:       &token,
		VideoID:     &videoID,
		AdID:        &adID,
		AdCompleted: &completed,
	})
	if err != nil {
		t.Fatalf("MergeViewerState start: %v", err)
	}
	if state.Token != token || state.VideoID != videoID || state.AdID != adID {
		t.Fatalf("unexpected state after start: %+v", state)
	}

	// Completion only flips the flag and stamps the time; identity fields
	// must survive the merge.
	done := true
	doneAt := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)
	state, err = store.MergeViewerState(9, ViewerStatePatch{AdCompleted: &done, CompletedAt: &doneAt})
	if err != nil {
		t.Fatalf("MergeViewerState complete: %v", err)
	}
	if !state.AdCompleted || state.CompletedAt == nil || !state.CompletedAt.Equal(doneAt) {
		t.Fatalf("completion not recorded: %+v", state)
	}
	if state.Token != token || state.VideoID != videoID || state.AdID != adID {
		t.Fatalf("merge clobbered identity fields: %+v", state)
	}

	empty := ""
	cleared := false
	state, err = store.MergeViewerState(9, ViewerStatePatch{
		AdCompleted:      &cleared,
		Token:            &empty,
		VideoID:          &empty,
		AdID:             &empty,
		ClearCompletedAt: true,
	})
	if err != nil {
		t.Fatalf("MergeViewerState clear: %v", err)
	}
	if state.AdCompleted || state.Token != "" || state.VideoID != "" || state.AdID != "" || state.CompletedAt != nil {
		t.Fatalf("clear left residue: %+v", state)
	}
}

func TestMergeViewerStatePersistFailureRollsBack(t *testing.T) {
	store := newTestStore(t)

	token := "tok"
	if _, err := store.MergeViewerState(3, ViewerStatePatch{Token: &token}); err != nil {
		t.Fatalf("MergeViewerState: %v", err)
	}

	boom := errors.New("persist failed")
	store.persistOverride = func(dataset) error { return boom }
	done := true
	if _, err := store.MergeViewerState(3, ViewerStatePatch{AdCompleted: &done}); !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	store.persistOverride = nil

	state, ok := store.GetViewerState(3)
	if !ok {
		t.Fatal("state vanished after failed persist")
	}
	if state.AdCompleted {
		t.Fatal("failed persist must not leave the completion flag set")
	}
}

func TestStorageReloadsPersistedDataset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")

	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	if _, err := store.UpsertViewer(UpsertViewerParams{ID: 11, FirstName: "Bea"}); err != nil {
		t.Fatalf("UpsertViewer: %v", err)
	}
	if _, err := store.PutVideo(models.VideoAsset{FileID: "f", Title: "T"}); err != nil {
		t.Fatalf("PutVideo: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reopened.GetViewer(11); !ok {
		t.Fatal("viewer missing after reload")
	}
	if len(reopened.ListVideos()) != 1 {
		t.Fatal("video missing after reload")
	}
}

func TestStorageToleratesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("seed empty file: %v", err)
	}
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage on empty file: %v", err)
	}
	if store.CountViewers() != 0 {
		t.Fatal("expected empty dataset")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.CreateAd(CreateAdParams{Title: "A", URL: "https://a.test", Active: true}); err != nil {
		t.Fatalf("CreateAd: %v", err)
	}
	snapshot, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snapshot.Ads) != 1 {
		t.Fatalf("expected one ad in snapshot, got %d", len(snapshot.Ads))
	}
	snapshot.Ads[0].Title = "mutated"
	if ads := store.ListAds(false); ads[0].Title != "A" {
		t.Fatal("snapshot mutation leaked into the store")
	}
}
