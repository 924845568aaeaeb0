package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"vidgate/internal/auth"
	"vidgate/internal/storage"
)

type adminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type adminLoginResponse struct {
	Token     string    `json:"token"`
	User      string    `json:"user"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AdminLogin authenticates the configured admin account and issues a session.
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req adminLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if h.AdminUser == "" || h.AdminPasswordHash == "" {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("admin access is not configured"))
		return
	}
	if req.Username != h.AdminUser {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid credentials"))
		return
	}
	if err := auth.VerifyPassword(h.AdminPasswordHash, req.Password); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid credentials"))
			return
		}
		h.logger().Error("verify admin password", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("could not verify credentials"))
		return
	}

	token, expiresAt, err := h.sessionManager().Create(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusOK, adminLoginResponse{Token: token, User: req.Username, ExpiresAt: expiresAt})
}

// AdminLogout revokes the current session.
func (h *Handler) AdminLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if token := ExtractToken(r); token != "" {
		if err := h.sessionManager().Revoke(token); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	h.clearSessionCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// AdminSession reports the identity behind the current session.
func (h *Handler) AdminSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	adminID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user": adminID})
}

// AdminStats aggregates viewer, video, and sponsor counters.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	videos := h.Store.ListVideos()
	adRecords := h.Store.ListAds(false)
	activeAds := 0
	adViews, adClicks := 0, 0
	for _, ad := range adRecords {
		if ad.Active {
			activeAds++
		}
		adViews += ad.Views
		adClicks += ad.Clicks
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"viewers": map[string]interface{}{
			"total": h.Store.CountViewers(),
		},
		"videos": map[string]interface{}{
			"total": len(videos),
			"views": videosTotalViews(videos),
		},
		"ads": map[string]interface{}{
			"total":  len(adRecords),
			"active": activeAds,
			"views":  adViews,
			"clicks": adClicks,
		},
	})
}

// AdminUsers lists viewers, optionally filtered by a case- and
// normalisation-insensitive search over username and first name.
func (h *Handler) AdminUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	viewers := h.Store.ListViewers()
	if search := normalizeSearchTerm(r.URL.Query().Get("search")); search != "" {
		filtered := viewers[:0]
		for _, viewer := range viewers {
			if strings.Contains(normalizeSearchTerm(viewer.Username), search) ||
				strings.Contains(normalizeSearchTerm(viewer.FirstName), search) {
				filtered = append(filtered, viewer)
			}
		}
		viewers = filtered
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": viewers, "total": len(viewers)})
}

// normalizeSearchTerm folds a string into NFKC lowercase form so visually
// equivalent Telegram display names compare equal.
func normalizeSearchTerm(s string) string {
	return norm.NFKC.String(strings.ToLower(strings.TrimSpace(s)))
}

type createAdRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Duration    int    `json:"duration"`
	Active      *bool  `json:"active"`
}

type updateAdRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	URL         *string `json:"url"`
	Duration    *int    `json:"duration"`
	Active      *bool   `json:"active"`
}

// AdminAds serves the sponsor collection: list on GET, create on POST.
func (h *Handler) AdminAds(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		records := h.Store.ListAds(false)
		writeJSON(w, http.StatusOK, map[string]interface{}{"ads": records, "total": len(records)})
	case http.MethodPost:
		var req createAdRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		ad, err := h.Store.CreateAd(storage.CreateAdParams{
			Title:       req.Title,
			Description: req.Description,
			URL:         req.URL,
			Duration:    req.Duration,
			Active:      active,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, ad)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// AdminAdByID serves one sponsor record: fetch, patch, or delete.
func (h *Handler) AdminAdByID(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/admin/ads/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("ad id is required"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		ad, ok := h.Store.GetAd(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("ad %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, ad)
	case http.MethodPatch, http.MethodPut:
		var req updateAdRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ad, err := h.Store.UpdateAd(id, storage.AdUpdate{
			Title:       req.Title,
			Description: req.Description,
			URL:         req.URL,
			Duration:    req.Duration,
			Active:      req.Active,
		})
		if err != nil {
			if errors.Is(err, storage.ErrAdNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, ad)
	case http.MethodDelete:
		if err := h.Store.DeleteAd(id); err != nil {
			if errors.Is(err, storage.ErrAdNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, PUT, PATCH, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// AdminVideos lists the registered video catalogue.
func (h *Handler) AdminVideos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	videos := h.Store.ListVideos()
	writeJSON(w, http.StatusOK, map[string]interface{}{"videos": videos, "total": len(videos)})
}

// AdminVideoByID fetches or removes one catalogue entry.
func (h *Handler) AdminVideoByID(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/admin/videos/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("video id is required"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		video, ok := h.Store.GetVideo(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, video)
	case http.MethodDelete:
		if err := h.Store.DeleteVideo(id); err != nil {
			if errors.Is(err, storage.ErrVideoNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

type broadcastRequest struct {
	Message string `json:"message"`
}

// AdminBroadcast sends a message to every known viewer and reports delivery
// counts. Sends run bounded-parallel; a viewer who blocked the bot counts as
// failed without aborting the rest.
func (h *Handler) AdminBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	if h.Sender == nil {
		WriteRequestError(w, ServiceUnavailableError("bot transport unavailable"))
		return
	}

	var req broadcastRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		WriteRequestError(w, ValidationError("message is required"))
		return
	}

	limit := h.BroadcastConcurrency
	if limit <= 0 {
		limit = 4
	}
	var delivered, failed atomic.Int64
	var group errgroup.Group
	group.SetLimit(limit)
	for _, viewer := range h.Store.ListViewers() {
		viewer := viewer
		group.Go(func() error {
			if _, err := h.Sender.SendMessage(viewer.ID, text, nil); err != nil {
				failed.Add(1)
				h.logger().Debug("broadcast delivery failed", "user", viewer.ID, "error", err)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = group.Wait()

	writeJSON(w, http.StatusOK, map[string]int64{
		"delivered": delivered.Load(),
		"failed":    failed.Load(),
	})
}
