package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vidgate/internal/models"
)

// NewStorage opens the JSON-backed store, creating the data file's directory
// when required. A missing or empty file yields an empty dataset.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func newDataset() dataset {
	return dataset{
		Viewers:  make(map[int64]models.Viewer),
		Videos:   make(map[string]models.VideoAsset),
		Ads:      make(map[string]models.Ad),
		Messages: make(map[string]models.TrackedMessage),
		States:   make(map[int64]models.ViewerState),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Viewers == nil {
		s.data.Viewers = make(map[int64]models.Viewer)
	}
	if s.data.Videos == nil {
		s.data.Videos = make(map[string]models.VideoAsset)
	}
	if s.data.Ads == nil {
		s.data.Ads = make(map[string]models.Ad)
	}
	if s.data.Messages == nil {
		s.data.Messages = make(map[string]models.TrackedMessage)
	}
	if s.data.States == nil {
		s.data.States = make(map[int64]models.ViewerState)
	}
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := dataset{}

	if src.Viewers != nil {
		clone.Viewers = make(map[int64]models.Viewer, len(src.Viewers))
		for id, viewer := range src.Viewers {
			cloned := viewer
			if viewer.LastActivity != nil {
				last := *viewer.LastActivity
				cloned.LastActivity = &last
			}
			clone.Viewers[id] = cloned
		}
	}

	if src.Videos != nil {
		clone.Videos = make(map[string]models.VideoAsset, len(src.Videos))
		for id, video := range src.Videos {
			cloned := video
			if video.CaptionEntities != nil {
				cloned.CaptionEntities = append([]models.CaptionEntity(nil), video.CaptionEntities...)
			}
			clone.Videos[id] = cloned
		}
	}

	if src.Ads != nil {
		clone.Ads = make(map[string]models.Ad, len(src.Ads))
		for id, ad := range src.Ads {
			clone.Ads[id] = ad
		}
	}

	if src.Messages != nil {
		clone.Messages = make(map[string]models.TrackedMessage, len(src.Messages))
		for key, msg := range src.Messages {
			cloned := msg
			if msg.DeletedAt != nil {
				deleted := *msg.DeletedAt
				cloned.DeletedAt = &deleted
			}
			clone.Messages[key] = cloned
		}
	}

	if src.States != nil {
		clone.States = make(map[int64]models.ViewerState, len(src.States))
		for id, state := range src.States {
			cloned := state
			if state.CompletedAt != nil {
				completed := *state.CompletedAt
				cloned.CompletedAt = &completed
			}
			clone.States[id] = cloned
		}
	}

	return clone
}

// Ping only confirms the in-memory dataset is loaded; the JSON backend has no
// remote dependency to probe.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.Viewers == nil {
		return errors.New("storage not initialised")
	}
	return nil
}

// Viewer operations

func (s *Storage) UpsertViewer(params UpsertViewerParams) (models.Viewer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	viewer, exists := s.data.Viewers[params.ID]
	previous := viewer
	if !exists {
		viewer = models.Viewer{ID: params.ID, JoinedAt: now}
	}
	viewer.Username = strings.TrimSpace(params.Username)
	viewer.FirstName = strings.TrimSpace(params.FirstName)
	last := now
	viewer.LastActivity = &last

	s.data.Viewers[params.ID] = viewer
	if err := s.persist(); err != nil {
		if exists {
			s.data.Viewers[params.ID] = previous
		} else {
			delete(s.data.Viewers, params.ID)
		}
		return models.Viewer{}, err
	}
	return viewer, nil
}

func (s *Storage) GetViewer(id int64) (models.Viewer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	viewer, ok := s.data.Viewers[id]
	return viewer, ok
}

func (s *Storage) ListViewers() []models.Viewer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	viewers := make([]models.Viewer, 0, len(s.data.Viewers))
	for _, viewer := range s.data.Viewers {
		viewers = append(viewers, viewer)
	}
	sort.Slice(viewers, func(i, j int) bool { return viewers[i].JoinedAt.Before(viewers[j].JoinedAt) })
	return viewers
}

func (s *Storage) CountViewers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.Viewers)
}

func (s *Storage) TouchViewer(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	viewer, ok := s.data.Viewers[id]
	if !ok {
		return ErrViewerNotFound
	}
	previous := viewer
	last := s.now()
	viewer.LastActivity = &last
	s.data.Viewers[id] = viewer
	if err := s.persist(); err != nil {
		s.data.Viewers[id] = previous
		return err
	}
	return nil
}

func (s *Storage) RecordVideoWatched(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	viewer, ok := s.data.Viewers[id]
	if !ok {
		return ErrViewerNotFound
	}
	previous := viewer
	viewer.VideosWatched++
	last := s.now()
	viewer.LastActivity = &last
	s.data.Viewers[id] = viewer
	if err := s.persist(); err != nil {
		s.data.Viewers[id] = previous
		return err
	}
	return nil
}

// Video operations

func (s *Storage) PutVideo(video models.VideoAsset) (models.VideoAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
		video.AddedAt = s.now()
	}
	if strings.TrimSpace(video.Title) == "" {
		video.Title = "Video " + video.ID[:8]
	}

	existing, exists := s.data.Videos[video.ID]
	if exists {
		video.Views = existing.Views
	}
	s.data.Videos[video.ID] = video
	if err := s.persist(); err != nil {
		if exists {
			s.data.Videos[video.ID] = existing
		} else {
			delete(s.data.Videos, video.ID)
		}
		return models.VideoAsset{}, err
	}
	return video, nil
}

func (s *Storage) GetVideo(id string) (models.VideoAsset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	return video, ok
}

func (s *Storage) ListVideos() []models.VideoAsset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	videos := make([]models.VideoAsset, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		videos = append(videos, video)
	}
	sort.Slice(videos, func(i, j int) bool { return videos[i].AddedAt.Before(videos[j].AddedAt) })
	return videos
}

func (s *Storage) DeleteVideo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return ErrVideoNotFound
	}
	delete(s.data.Videos, id)
	if err := s.persist(); err != nil {
		s.data.Videos[id] = video
		return err
	}
	return nil
}

func (s *Storage) RecordVideoView(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return ErrVideoNotFound
	}
	previous := video
	video.Views++
	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = previous
		return err
	}
	return nil
}

// Ad operations

func (s *Storage) CreateAd(params CreateAdParams) (models.Ad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	ad := models.Ad{
		ID:          id,
		Title:       strings.TrimSpace(params.Title),
		Description: strings.TrimSpace(params.Description),
		URL:         strings.TrimSpace(params.URL),
		Duration:    duration,
		Active:      params.Active,
		CreatedAt:   s.now(),
	}
	s.data.Ads[id] = ad
	if err := s.persist(); err != nil {
		delete(s.data.Ads, id)
		return models.Ad{}, err
	}
	return ad, nil
}

func (s *Storage) UpdateAd(id string, update AdUpdate) (models.Ad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ad, ok := s.data.Ads[id]
	if !ok {
		return models.Ad{}, ErrAdNotFound
	}
	previous := ad
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
	s.data.Ads[id] = ad
	if err := s.persist(); err != nil {
		s.data.Ads[id] = previous
		return models.Ad{}, err
	}
	return ad, nil
}

func (s *Storage) GetAd(id string) (models.Ad, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ad, ok := s.data.Ads[id]
	return ad, ok
}

func (s *Storage) ListAds(activeOnly bool) []models.Ad {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ads := make([]models.Ad, 0, len(s.data.Ads))
	for _, ad := range s.data.Ads {
		if activeOnly && !ad.Active {
			continue
		}
		ads = append(ads, ad)
	}
	sort.Slice(ads, func(i, j int) bool { return ads[i].CreatedAt.Before(ads[j].CreatedAt) })
	return ads
}

func (s *Storage) DeleteAd(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ad, ok := s.data.Ads[id]
	if !ok {
		return ErrAdNotFound
	}
	delete(s.data.Ads, id)
	if err := s.persist(); err != nil {
		s.data.Ads[id] = ad
		return err
	}
	return nil
}

func (s *Storage) RecordAdView(id string) error {
	return s.bumpAdCounter(id, func(ad *models.Ad) { ad.Views++ })
}

func (s *Storage) RecordAdClick(id string) error {
	return s.bumpAdCounter(id, func(ad *models.Ad) { ad.Clicks++ })
}

func (s *Storage) bumpAdCounter(id string, bump func(*models.Ad)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ad, ok := s.data.Ads[id]
	if !ok {
		return ErrAdNotFound
	}
	previous := ad
	bump(&ad)
	s.data.Ads[id] = ad
	if err := s.persist(); err != nil {
		s.data.Ads[id] = previous
		return err
	}
	return nil
}

// Tracked message operations

func (s *Storage) TrackMessage(msg models.TrackedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.UserID == 0 || msg.MessageID == 0 {
		return errors.New("tracked message requires user and message ids")
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = s.now()
	}
	if msg.DeleteAt.IsZero() {
		return errors.New("tracked message requires a delete deadline")
	}
	key := msg.Key()
	existing, exists := s.data.Messages[key]
	s.data.Messages[key] = msg
	if err := s.persist(); err != nil {
		if exists {
			s.data.Messages[key] = existing
		} else {
			delete(s.data.Messages, key)
		}
		return err
	}
	return nil
}

func (s *Storage) ListViewerMessages(userID int64, includeDeleted bool) []models.TrackedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := make([]models.TrackedMessage, 0)
	for _, msg := range s.data.Messages {
		if msg.UserID != userID {
			continue
		}
		if !includeDeleted && msg.Deleted {
			continue
		}
		messages = append(messages, msg)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].SentAt.Before(messages[j].SentAt) })
	return messages
}

func (s *Storage) ListExpiredMessages(now time.Time) []models.TrackedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expired := make([]models.TrackedMessage, 0)
	for _, msg := range s.data.Messages {
		if msg.Deleted {
			continue
		}
		if msg.DeleteAt.After(now) {
			continue
		}
		expired = append(expired, msg)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].DeleteAt.Before(expired[j].DeleteAt) })
	return expired
}

func (s *Storage) MarkMessageDeleted(key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.data.Messages[key]
	if !ok {
		return ErrMessageNotFound
	}
	previous := msg
	msg.Deleted = true
	deletedAt := at
	if deletedAt.IsZero() {
		deletedAt = s.now()
	}
	msg.DeletedAt = &deletedAt
	s.data.Messages[key] = msg
	if err := s.persist(); err != nil {
		s.data.Messages[key] = previous
		return err
	}
	return nil
}

// Viewer state operations

func (s *Storage) GetViewerState(userID int64) (models.ViewerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.data.States[userID]
	return state, ok
}

func (s *Storage) MergeViewerState(userID int64, patch ViewerStatePatch) (models.ViewerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.data.States[userID]
	previous := state
	if !exists {
		state = models.ViewerState{UserID: userID}
	}
	state = applyViewerStatePatch(state, patch)
	state.UpdatedAt = s.now()

	s.data.States[userID] = state
	if err := s.persist(); err != nil {
		if exists {
			s.data.States[userID] = previous
		} else {
			delete(s.data.States, userID)
		}
		return models.ViewerState{}, err
	}
	return state, nil
}

func applyViewerStatePatch(state models.ViewerState, patch ViewerStatePatch) models.ViewerState {
	if patch.AdCompleted != nil {
		state.AdCompleted = *patch.AdCompleted
	}
	if patch.AdID != nil {
		state.AdID = *patch.AdID
	}
	if patch.VideoID != nil {
		state.VideoID = *patch.VideoID
	}
	if patch.Token != nil {
		state.Token = *patch.Token
	}
	if patch.ClearCompletedAt {
		state.CompletedAt = nil
	} else if patch.CompletedAt != nil {
		completed := *patch.CompletedAt
		state.CompletedAt = &completed
	}
	return state
}

// Snapshot returns a deep copy of the dataset for offline export, such as the
// JSON-to-Postgres migration tool.
func (s *Storage) Snapshot() (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := cloneDataset(s.data)
	snapshot := Snapshot{
		Viewers:  make([]models.Viewer, 0, len(clone.Viewers)),
		Videos:   make([]models.VideoAsset, 0, len(clone.Videos)),
		Ads:      make([]models.Ad, 0, len(clone.Ads)),
		Messages: make([]models.TrackedMessage, 0, len(clone.Messages)),
		States:   make([]models.ViewerState, 0, len(clone.States)),
	}
	for _, viewer := range clone.Viewers {
		snapshot.Viewers = append(snapshot.Viewers, viewer)
	}
	for _, video := range clone.Videos {
		snapshot.Videos = append(snapshot.Videos, video)
	}
	for _, ad := range clone.Ads {
		snapshot.Ads = append(snapshot.Ads, ad)
	}
	for _, msg := range clone.Messages {
		snapshot.Messages = append(snapshot.Messages, msg)
	}
	for _, state := range clone.States {
		snapshot.States = append(snapshot.States, state)
	}
	sort.Slice(snapshot.Viewers, func(i, j int) bool { return snapshot.Viewers[i].ID < snapshot.Viewers[j].ID })
	sort.Slice(snapshot.Videos, func(i, j int) bool { return snapshot.Videos[i].ID < snapshot.Videos[j].ID })
	sort.Slice(snapshot.Ads, func(i, j int) bool { return snapshot.Ads[i].ID < snapshot.Ads[j].ID })
	sort.Slice(snapshot.Messages, func(i, j int) bool { return snapshot.Messages[i].Key() < snapshot.Messages[j].Key() })
	sort.Slice(snapshot.States, func(i, j int) bool { return snapshot.States[i].UserID < snapshot.States[j].UserID })
	return snapshot, nil
}

// Snapshot is a flattened dataset export.
type Snapshot struct {
	Viewers  []models.Viewer         `json:"users"`
	Videos   []models.VideoAsset     `json:"videos"`
	Ads      []models.Ad             `json:"ads"`
	Messages []models.TrackedMessage `json:"messages"`
	States   []models.ViewerState    `json:"userStates"`
}
