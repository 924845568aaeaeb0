package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"vidgate/internal/auth"
	"vidgate/internal/bot"
	"vidgate/internal/models"
	"vidgate/internal/observability/logging"
	"vidgate/internal/session"
	"vidgate/internal/storage"
	"vidgate/web"
)

// MessageSender delivers bot messages on behalf of the admin API.
type MessageSender interface {
	SendMessage(chatID int64, text string, buttons [][]bot.Button) (bot.SentMessage, error)
}

type Handler struct {
	Store      storage.Repository
	Sessions   *auth.SessionManager
	Broker     *session.Broker
	Dispatcher *bot.Dispatcher
	Sender     MessageSender
	Logger     *slog.Logger

	WebhookSecret        string
	AdminUser            string
	AdminPasswordHash    string
	BroadcastConcurrency int
	SessionCookiePolicy  SessionCookiePolicy

	adTemplateOnce sync.Once
	adTemplate     *template.Template
	adTemplateErr  error
}

func NewHandler(store storage.Repository, sessions *auth.SessionManager) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return &Handler{Store: store, Sessions: sessions}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return h.Sessions
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

type healthService struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	services := make([]healthService, 0, 3)

	storeStatus := healthService{Component: "store", Status: "ok"}
	if h.Store == nil {
		storeStatus.Status = "down"
		storeStatus.Detail = "store not configured"
	} else if err := h.Store.Ping(r.Context()); err != nil {
		storeStatus.Status = "down"
		storeStatus.Detail = err.Error()
	}
	services = append(services, storeStatus)

	workerStatus := healthService{Component: "chat_worker", Status: "ok"}
	if h.Dispatcher == nil {
		workerStatus.Status = "disabled"
	} else if !h.Dispatcher.Healthy() {
		workerStatus.Status = "down"
		workerStatus.Detail = "worker not accepting updates"
	}
	services = append(services, workerStatus)

	sessionStatus := healthService{Component: "admin_sessions", Status: "ok"}
	if err := h.sessionManager().Ping(r.Context()); err != nil {
		sessionStatus.Status = "down"
		sessionStatus.Detail = err.Error()
	}
	services = append(services, sessionStatus)

	status := "ok"
	for _, svc := range services {
		switch svc.Status {
		case "ok", "disabled":
			continue
		default:
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"services": services,
	})
}

type adPageData struct {
	AdTitle       string
	AdDescription string
	AdURL         string
	Duration      int
	UserID        int64
	AdID          string
	VideoID       string
	Token         string
}

// AdPage renders the sponsor page the viewer sits through before delivery.
// The link in the prompt carries identity, ad, video, and token parameters.
func (h *Handler) AdPage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	query := r.URL.Query()
	userID, err := strconv.ParseInt(query.Get("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid or missing user_id", http.StatusBadRequest)
		return
	}
	adID := query.Get("ad_id")
	videoID := query.Get("video_id")
	token := query.Get("token")
	if adID == "" || videoID == "" || token == "" {
		http.Error(w, "missing ad parameters", http.StatusBadRequest)
		return
	}

	state, ok := h.Store.GetViewerState(userID)
	if !ok || state.Token == "" || state.Token != token {
		http.Error(w, "this ad link has expired, request the video again", http.StatusForbidden)
		return
	}

	ad, ok := h.Store.GetAd(adID)
	if !ok {
		http.Error(w, "ad not found", http.StatusNotFound)
		return
	}

	tmpl, err := h.adPageTemplate()
	if err != nil {
		h.logger().Error("load ad page template", "error", err)
		http.Error(w, "ad page unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := adPageData{
		AdTitle:       ad.Title,
		AdDescription: ad.Description,
		AdURL:         ad.URL,
		Duration:      ad.Duration,
		UserID:        userID,
		AdID:          ad.ID,
		VideoID:       videoID,
		Token:         token,
	}
	if err := tmpl.Execute(w, data); err != nil {
		h.logger().Error("render ad page", "error", err)
	}
}

func (h *Handler) adPageTemplate() (*template.Template, error) {
	h.adTemplateOnce.Do(func() {
		staticFS, err := web.Static()
		if err != nil {
			h.adTemplateErr = fmt.Errorf("load web assets: %w", err)
			return
		}
		h.adTemplate, h.adTemplateErr = template.ParseFS(staticFS, "ad.html")
	})
	return h.adTemplate, h.adTemplateErr
}

type completeAdRequest struct {
	UserID  int64  `json:"user_id"`
	AdID    string `json:"ad_id"`
	VideoID string `json:"video_id"`
	Token   string `json:"token"`
}

// CompleteAd receives the completion signal from the ad page. The matching
// poll on the bot side picks the flag up and delivers the video.
func (h *Handler) CompleteAd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req completeAdRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// ad_id must be present but is not matched against the session: the
	// completion is keyed to user, video, and token.
	if req.UserID == 0 || req.AdID == "" || req.VideoID == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id, ad_id, video_id and token are required"))
		return
	}

	ctx := logging.ContextWithChatID(r.Context(), strconv.FormatInt(req.UserID, 10))
	logger := logging.WithContext(ctx, h.logger())

	if err := h.Broker.MarkCompleted(req.UserID, req.VideoID, req.Token); err != nil {
		if errors.Is(err, session.ErrInvalidSession) {
			writeError(w, http.StatusForbidden, fmt.Errorf("invalid or expired ad session"))
			return
		}
		logger.Error("mark ad completed", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("could not record completion"))
		return
	}
	// Web completions are the one viewer contact that bypasses the chat
	// flow, so stamp activity here.
	if err := h.Store.TouchViewer(req.UserID); err != nil {
		logger.Warn("touch viewer", "error", err)
	}
	logger.Info("ad completion recorded", "video", req.VideoID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Webhook accepts Telegram updates on /webhook/{secret} and hands them to the
// chat-flow worker. An unknown secret is indistinguishable from an unknown
// path.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	secret := strings.TrimPrefix(r.URL.Path, "/webhook/")
	if h.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(h.WebhookSecret)) != 1 {
		http.NotFound(w, r)
		return
	}

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("request body is required"))
		return
	}
	defer r.Body.Close()

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode update: %w", err))
		return
	}

	// No dispatcher means the process came up without a working Telegram
	// connection. Telegram retries on 5xx, so the update is not lost.
	if h.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("chat worker unavailable"))
		return
	}
	if err := h.Dispatcher.Submit(update); err != nil {
		if errors.Is(err, bot.ErrWorkerUnavailable) {
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("chat worker unavailable"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func videosTotalViews(videos []models.VideoAsset) int {
	total := 0
	for _, video := range videos {
		total += video.Views
	}
	return total
}
