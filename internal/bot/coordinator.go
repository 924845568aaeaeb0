package bot

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"vidgate/internal/ads"
	"vidgate/internal/lifecycle"
	"vidgate/internal/models"
	"vidgate/internal/session"
	"vidgate/internal/storage"
)

// Config carries the tunables of the watch flow.
type Config struct {
	// AdPageBaseURL is the public base URL the ad page is served from.
	AdPageBaseURL string
	// PollInterval is the gap between ad-completion checks.
	PollInterval time.Duration
	// PollAttempts is how many checks run before the flow gives up.
	PollAttempts int
	// SourceChannelID restricts which channel's posts register videos.
	// Zero accepts any channel the bot is a member of.
	SourceChannelID int64
	// AnnounceChannelID is the public channel teasers are posted to. Zero
	// disables announcements.
	AnnounceChannelID int64
	// AdminIDs are the Telegram users allowed to run /broadcast.
	AdminIDs []int64
	// BroadcastConcurrency bounds parallel sends during a broadcast.
	BroadcastConcurrency int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 12
	}
	if c.BroadcastConcurrency <= 0 {
		c.BroadcastConcurrency = 4
	}
	return c
}

// Coordinator drives the ad-gated delivery flow. Update handling runs on the
// dispatcher's worker; completion waits run on their own goroutines so one
// waiting viewer never stalls another.
type Coordinator struct {
	store     storage.Repository
	broker    *session.Broker
	rotator   *ads.Rotator
	lifecycle *lifecycle.Manager
	transport Transport
	logger    *slog.Logger
	cfg       Config

	quit     chan struct{}
	quitOnce sync.Once
	waits    sync.WaitGroup
}

// NewCoordinator wires the flow together.
func NewCoordinator(store storage.Repository, broker *session.Broker, rotator *ads.Rotator, manager *lifecycle.Manager, transport Transport, logger *slog.Logger, cfg Config) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     store,
		broker:    broker,
		rotator:   rotator,
		lifecycle: manager,
		transport: transport,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		quit:      make(chan struct{}),
	}
}

// Close aborts outstanding completion waits and blocks until they return.
func (c *Coordinator) Close() {
	c.quitOnce.Do(func() { close(c.quit) })
	c.waits.Wait()
}

// handleWatchRequest runs when a viewer presses the watch button. It opens an
// ad session, sends the gate prompt, and parks a poll goroutine waiting for
// the completion signal from the web side.
func (c *Coordinator) handleWatchRequest(userID int64, callbackID, videoID string) {
	video, ok := c.store.GetVideo(videoID)
	if !ok {
		c.answerQuietly(callbackID, "Video not found or expired.", true)
		return
	}

	ad, err := c.rotator.Next()
	if err != nil {
		if errors.Is(err, ads.ErrNoActiveAds) {
			c.sendNotice(userID, "No sponsor slot is available right now. Please try again later.")
			return
		}
		c.logger.Error("pick ad failed", "user", userID, "error", err)
		c.sendNotice(userID, "Something went wrong. Please try again later.")
		return
	}

	token, err := c.broker.Start(userID, videoID, ad.ID)
	if err != nil {
		c.logger.Error("start ad session failed", "user", userID, "error", err)
		c.sendNotice(userID, "Something went wrong. Please try again later.")
		return
	}

	c.lifecycle.DeletePrevious(userID)

	prompt := fmt.Sprintf("🎯 Watch the ad below to unlock %s.\n\n⏳ The video arrives automatically once you finish.", video.Title)
	buttons := [][]Button{
		{{Label: "▶️ Watch Ad & Get Video", URL: c.adPageURL(userID, ad.ID, videoID, token)}},
		{{Label: ad.Title, Data: adClickData(ad.ID, userID)}},
	}
	sent, err := c.transport.SendMessage(userID, prompt, buttons)
	if err != nil {
		// A failed prompt leaves no session behind, so a dangling
		// completion can never arrive for it.
		if clearErr := c.broker.Clear(userID); clearErr != nil {
			c.logger.Warn("clear session after failed prompt", "user", userID, "error", clearErr)
		}
		if errors.Is(err, ErrUserUnreachable) {
			c.answerQuietly(callbackID, "Please press /start in the bot chat first, then try again.", true)
			return
		}
		c.logger.Error("send ad prompt failed", "user", userID, "error", err)
		return
	}
	c.trackSent(sent, userID, models.MessageKindPrompt, videoID)

	if err := c.rotator.RecordView(ad.ID); err != nil {
		c.logger.Warn("record ad view failed", "ad", ad.ID, "error", err)
	}

	c.waits.Add(1)
	go func() {
		defer c.waits.Done()
		c.pollAndDeliver(userID, video)
	}()
}

// pollAndDeliver waits for the web side to confirm the ad, checking at the
// configured cadence. The wait belongs to one viewer only; other chat-flow
// work keeps running on the worker meanwhile.
func (c *Coordinator) pollAndDeliver(userID int64, video models.VideoAsset) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < c.cfg.PollAttempts; attempt++ {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
		}
		if c.broker.CheckCompleted(userID, video.ID) {
			c.deliver(userID, video)
			return
		}
	}

	// A sponsor click may have delivered the video while we were waiting,
	// and a fresh watch request may have replaced the session. Only a
	// still-open session for this video gets the timeout treatment.
	state, ok := c.store.GetViewerState(userID)
	if !ok || state.Token == "" || state.VideoID != video.ID {
		return
	}
	if c.broker.CheckCompleted(userID, video.ID) {
		c.deliver(userID, video)
		return
	}
	c.sendNotice(userID, "⚠️ Ad not viewed completely. Please try again and watch the full ad.")
	if err := c.broker.Clear(userID); err != nil {
		c.logger.Warn("clear session after timeout", "user", userID, "error", err)
	}
	c.logger.Info("ad completion timed out", "user", userID, "video", video.ID)
}

func (c *Coordinator) deliver(userID int64, video models.VideoAsset) {
	c.lifecycle.DeletePrevious(userID)

	sent, err := c.transport.SendVideo(userID, video)
	if err != nil {
		c.logger.Error("send video failed", "user", userID, "video", video.ID, "error", err)
		c.sendNotice(userID, "❌ Delivery failed. Please try again.")
		return
	}
	c.trackSent(sent, userID, models.MessageKindVideo, video.ID)

	if err := c.store.RecordVideoView(video.ID); err != nil {
		c.logger.Warn("record video view failed", "video", video.ID, "error", err)
	}
	if err := c.store.RecordVideoWatched(userID); err != nil {
		c.logger.Warn("record viewer progress failed", "user", userID, "error", err)
	}
	if err := c.broker.Clear(userID); err != nil {
		c.logger.Warn("clear session after delivery", "user", userID, "error", err)
	}
	c.logger.Info("video delivered", "user", userID, "video", video.ID)
}

// handleAdClick rewards the sponsor click: the click counts as watching the
// ad, so any pending video ships immediately instead of waiting for the web
// confirmation.
func (c *Coordinator) handleAdClick(userID int64, callbackID, data string) {
	adID, ok := parseAdClickData(data)
	if !ok {
		c.answerQuietly(callbackID, "Invalid ad data.", true)
		return
	}
	ad, found := c.store.GetAd(adID)
	if !found {
		c.answerQuietly(callbackID, "Ad not found.", true)
		return
	}
	if err := c.rotator.RecordClick(ad.ID); err != nil {
		c.logger.Warn("record ad click failed", "ad", ad.ID, "error", err)
	}
	c.answerQuietly(callbackID, "", false)

	// deliver clears the session, so the poll loop finds nothing left to
	// act on and cannot ship the video twice.
	if state, open := c.store.GetViewerState(userID); open && state.Token != "" && state.VideoID != "" {
		if video, exists := c.store.GetVideo(state.VideoID); exists {
			c.logger.Info("ad click unlocked video", "user", userID, "ad", ad.ID, "video", video.ID)
			c.deliver(userID, video)
		} else if err := c.broker.Clear(userID); err != nil {
			c.logger.Warn("clear session for missing video", "user", userID, "error", err)
		}
	}

	sent, err := c.transport.SendMessage(userID, "🔗 "+ad.URL, nil)
	if err != nil {
		c.logger.Warn("send ad link failed", "user", userID, "error", err)
		return
	}
	c.trackSent(sent, userID, models.MessageKindText, "")
}

// announceVideo posts a teaser with a watch button to the public channel.
func (c *Coordinator) announceVideo(video models.VideoAsset) {
	if c.cfg.AnnounceChannelID == 0 {
		return
	}
	buttons := [][]Button{{{Label: "🎬 Watch Now", Data: watchData(video.ID)}}}
	caption := video.Caption
	if caption == "" {
		caption = video.Title
	}

	var err error
	if video.ThumbnailFileID != "" {
		_, err = c.transport.SendPhoto(c.cfg.AnnounceChannelID, video.ThumbnailFileID, caption, buttons)
	} else {
		_, err = c.transport.SendMessage(c.cfg.AnnounceChannelID, fmt.Sprintf("🎬 New Video\n\n%s\n\n👇 Click below to watch", caption), buttons)
	}
	if err != nil {
		c.logger.Error("announce video failed", "video", video.ID, "error", err)
		return
	}
	c.logger.Info("video announced", "video", video.ID)
}

func (c *Coordinator) sendNotice(userID int64, text string) {
	sent, err := c.transport.SendMessage(userID, text, nil)
	if err != nil {
		c.logger.Debug("send notice failed", "user", userID, "error", err)
		return
	}
	c.trackSent(sent, userID, models.MessageKindText, "")
}

func (c *Coordinator) trackSent(sent SentMessage, userID int64, kind, videoID string) {
	err := c.lifecycle.TrackAndArm(models.TrackedMessage{
		UserID:    userID,
		ChatID:    sent.ChatID,
		MessageID: sent.MessageID,
		Kind:      kind,
		VideoID:   videoID,
	})
	if err != nil {
		c.logger.Warn("track message failed", "user", userID, "message", sent.MessageID, "error", err)
	}
}

func (c *Coordinator) answerQuietly(callbackID, text string, alert bool) {
	if callbackID == "" {
		return
	}
	if err := c.transport.AnswerCallback(callbackID, text, alert); err != nil {
		c.logger.Debug("answer callback failed", "error", err)
	}
}

func (c *Coordinator) adPageURL(userID int64, adID, videoID, token string) string {
	values := url.Values{}
	values.Set("user_id", strconv.FormatInt(userID, 10))
	values.Set("ad_id", adID)
	values.Set("video_id", videoID)
	values.Set("token", token)
	return c.cfg.AdPageBaseURL + "/ad?" + values.Encode()
}
