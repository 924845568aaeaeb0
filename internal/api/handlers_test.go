package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"vidgate/internal/auth"
	"vidgate/internal/bot"
	"vidgate/internal/models"
	"vidgate/internal/session"
	"vidgate/internal/storage"
)

type updateHandlerFunc func()

func (f updateHandlerFunc) HandleUpdate(tgbotapi.Update) { f() }

type fixture struct {
	handler *Handler
	store   storage.Repository
	broker  *session.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository error: %v", err)
	}

	passwordHash, err := auth.HashPassword("open sesame 123")
	if err != nil {
		t.Fatalf("HashPassword error: %v", err)
	}

	broker := session.NewBroker(store)
	handler := &Handler{
		Store:             store,
		Sessions:          auth.NewSessionManager(time.Hour),
		Broker:            broker,
		WebhookSecret:     "hook-secret",
		AdminUser:         "admin",
		AdminPasswordHash: passwordHash,
	}
	return &fixture{handler: handler, store: store, broker: broker}
}

func (fx *fixture) seedViewer(t *testing.T, id int64, username string) models.Viewer {
	t.Helper()
	viewer, err := fx.store.UpsertViewer(storage.UpsertViewerParams{ID: id, Username: username})
	if err != nil {
		t.Fatalf("UpsertViewer error: %v", err)
	}
	return viewer
}

func (fx *fixture) seedAd(t *testing.T, title string) models.Ad {
	t.Helper()
	ad, err := fx.store.CreateAd(storage.CreateAdParams{
		Title:    title,
		URL:      "https://sponsor.example.com",
		Duration: 15,
		Active:   true,
	})
	if err != nil {
		t.Fatalf("CreateAd error: %v", err)
	}
	return ad
}

func (fx *fixture) seedVideo(t *testing.T, title string) models.VideoAsset {
	t.Helper()
	video, err := fx.store.PutVideo(models.VideoAsset{
		FileID: "file-" + title,
		Title:  title,
	})
	if err != nil {
		t.Fatalf("PutVideo error: %v", err)
	}
	return video
}

func TestHealthReportsDegradedWithoutStore(t *testing.T) {
	handler := &Handler{Sessions: auth.NewSessionManager(time.Hour)}

	rec := httptest.NewRecorder()
	handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	if payload.Status != "degraded" {
		t.Fatalf("expected degraded status, got %q", payload.Status)
	}
}

func TestHealthReportsOK(t *testing.T) {
	fx := newFixture(t)

	rec := httptest.NewRecorder()
	fx.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("expected ok status, got %q", payload.Status)
	}
}

func TestAdPageRendersForActiveSession(t *testing.T) {
	fx := newFixture(t)
	fx.seedViewer(t, 42, "alice")
	ad := fx.seedAd(t, "Sponsor Spot")
	video := fx.seedVideo(t, "clip")

	token, err := fx.broker.Start(42, video.ID, ad.ID)
	if err != nil {
		t.Fatalf("Start session error: %v", err)
	}

	url := fmt.Sprintf("/ad?user_id=42&ad_id=%s&video_id=%s&token=%s", ad.ID, video.ID, token)
	rec := httptest.NewRecorder()
	fx.handler.AdPage(rec, httptest.NewRequest(http.MethodGet, url, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Sponsor Spot") {
		t.Fatalf("expected ad title in page, got: %s", body)
	}
	if !strings.Contains(body, token) {
		t.Fatalf("expected token to be embedded in page data")
	}
	if strings.Contains(body, "<script>") {
		t.Fatalf("inline scripts violate the content security policy")
	}
}

func TestAdPageRejectsMismatchedToken(t *testing.T) {
	fx := newFixture(t)
	fx.seedViewer(t, 42, "alice")
	ad := fx.seedAd(t, "Sponsor Spot")
	video := fx.seedVideo(t, "clip")

	if _, err := fx.broker.Start(42, video.ID, ad.ID); err != nil {
		t.Fatalf("Start session error: %v", err)
	}

	url := fmt.Sprintf("/ad?user_id=42&ad_id=%s&video_id=%s&token=forged", ad.ID, video.ID)
	rec := httptest.NewRecorder()
	fx.handler.AdPage(rec, httptest.NewRequest(http.MethodGet, url, nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for forged token, got %d", rec.Code)
	}
}

func TestAdPageRequiresParameters(t *testing.T) {
	fx := newFixture(t)

	rec := httptest.NewRecorder()
	fx.handler.AdPage(rec, httptest.NewRequest(http.MethodGet, "/ad?user_id=42", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing parameters, got %d", rec.Code)
	}
}

func TestCompleteAdMarksSession(t *testing.T) {
	fx := newFixture(t)
	seeded := fx.seedViewer(t, 42, "alice")
	ad := fx.seedAd(t, "Sponsor Spot")
	video := fx.seedVideo(t, "clip")

	token, err := fx.broker.Start(42, video.ID, ad.ID)
	if err != nil {
		t.Fatalf("Start session error: %v", err)
	}

	body := fmt.Sprintf(`{"user_id":42,"ad_id":%q,"video_id":%q,"token":%q}`, ad.ID, video.ID, token)
	req := httptest.NewRequest(http.MethodPost, "/complete-ad", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	fx.handler.CompleteAd(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !fx.broker.CheckCompleted(42, video.ID) {
		t.Fatal("expected completion flag to be set")
	}
	viewer, ok := fx.store.GetViewer(42)
	if !ok || viewer.LastActivity == nil || !viewer.LastActivity.After(*seeded.LastActivity) {
		t.Fatal("web completion must stamp viewer activity")
	}
}

func TestCompleteAdRejectsStaleToken(t *testing.T) {
	fx := newFixture(t)
	fx.seedViewer(t, 42, "alice")
	ad := fx.seedAd(t, "Sponsor Spot")
	video := fx.seedVideo(t, "clip")

	if _, err := fx.broker.Start(42, video.ID, ad.ID); err != nil {
		t.Fatalf("Start session error: %v", err)
	}

	body := fmt.Sprintf(`{"user_id":42,"ad_id":%q,"video_id":%q,"token":"stale"}`, ad.ID, video.ID)
	req := httptest.NewRequest(http.MethodPost, "/complete-ad", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	fx.handler.CompleteAd(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for stale token, got %d", rec.Code)
	}
	if fx.broker.CheckCompleted(42, video.ID) {
		t.Fatal("completion flag must not be set for a stale token")
	}
}

func TestCompleteAdValidatesBody(t *testing.T) {
	fx := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/complete-ad", bytes.NewBufferString(`{"user_id":0}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	fx.handler.CompleteAd(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete body, got %d", rec.Code)
	}
}

func TestWebhookAcceptsUpdateWithValidSecret(t *testing.T) {
	fx := newFixture(t)

	received := make(chan struct{}, 1)
	dispatcher := bot.NewDispatcher(updateHandlerFunc(func() {
		select {
		case received <- struct{}{}:
		default:
		}
	}))
	dispatcher.Start()
	t.Cleanup(dispatcher.Close)
	fx.handler.Dispatcher = dispatcher

	req := httptest.NewRequest(http.MethodPost, "/webhook/hook-secret", bytes.NewBufferString(`{"update_id":7}`))
	rec := httptest.NewRecorder()
	fx.handler.Webhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ack struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil || !ack.OK {
		t.Fatalf("expected {\"ok\":true}, got %s", rec.Body.String())
	}
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the worker to receive the update")
	}
}

func TestWebhookHidesBehindSecret(t *testing.T) {
	fx := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/wrong", bytes.NewBufferString(`{"update_id":7}`))
	rec := httptest.NewRecorder()
	fx.handler.Webhook(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for wrong secret, got %d", rec.Code)
	}
}

func TestWebhookUnconfiguredSecretIsNotFound(t *testing.T) {
	fx := newFixture(t)
	fx.handler.WebhookSecret = ""

	req := httptest.NewRequest(http.MethodPost, "/webhook/", bytes.NewBufferString(`{"update_id":7}`))
	rec := httptest.NewRecorder()
	fx.handler.Webhook(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when no secret is configured, got %d", rec.Code)
	}
}

func TestWebhookReturns503WhenWorkerIsDown(t *testing.T) {
	fx := newFixture(t)
	fx.handler.Dispatcher = bot.NewDispatcher(updateHandlerFunc(func() {}))
	// Never started, so submissions are refused.

	req := httptest.NewRequest(http.MethodPost, "/webhook/hook-secret", bytes.NewBufferString(`{"update_id":7}`))
	rec := httptest.NewRecorder()
	fx.handler.Webhook(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when worker is unavailable, got %d", rec.Code)
	}
}

func TestWebhookReturns503WithoutDispatcher(t *testing.T) {
	fx := newFixture(t)
	// The server runs web-only when Telegram is unreachable at startup.
	fx.handler.Dispatcher = nil

	req := httptest.NewRequest(http.MethodPost, "/webhook/hook-secret", bytes.NewBufferString(`{"update_id":7}`))
	rec := httptest.NewRecorder()
	fx.handler.Webhook(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a dispatcher, got %d", rec.Code)
	}
}
