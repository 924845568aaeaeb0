package bot

import (
	"fmt"
	"strings"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"vidgate/internal/models"
	"vidgate/internal/storage"
)

const (
	watchPrefix   = "watch_"
	adClickPrefix = "ad_click_"
)

func watchData(videoID string) string {
	return watchPrefix + videoID
}

func adClickData(adID string, userID int64) string {
	return fmt.Sprintf("%s%s_%d", adClickPrefix, adID, userID)
}

func parseAdClickData(data string) (string, bool) {
	rest, ok := strings.CutPrefix(data, adClickPrefix)
	if !ok {
		return "", false
	}
	adID, _, ok := strings.Cut(rest, "_")
	if !ok || adID == "" {
		return "", false
	}
	return adID, true
}

// HandleUpdate routes one Telegram update. It runs on the dispatcher worker.
func (c *Coordinator) HandleUpdate(update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		c.handleCallback(update.CallbackQuery)
	case update.ChannelPost != nil:
		c.handleChannelPost(update.ChannelPost)
	case update.Message != nil:
		c.handleMessage(update.Message)
	}
}

func (c *Coordinator) handleCallback(query *tgbotapi.CallbackQuery) {
	if query.From == nil || query.Data == "" {
		return
	}
	userID := query.From.ID
	if _, err := c.store.UpsertViewer(storage.UpsertViewerParams{
		ID:        userID,
		Username:  query.From.UserName,
		FirstName: query.From.FirstName,
	}); err != nil {
		c.logger.Warn("upsert viewer failed", "user", userID, "error", err)
	}

	switch {
	case strings.HasPrefix(query.Data, adClickPrefix):
		c.handleAdClick(userID, query.ID, query.Data)
	case strings.HasPrefix(query.Data, watchPrefix):
		c.answerQuietly(query.ID, "", false)
		c.handleWatchRequest(userID, query.ID, strings.TrimPrefix(query.Data, watchPrefix))
	}
}

func (c *Coordinator) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	if !msg.IsCommand() {
		return
	}
	userID := msg.From.ID
	if _, err := c.store.UpsertViewer(storage.UpsertViewerParams{
		ID:        userID,
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
	}); err != nil {
		c.logger.Warn("upsert viewer failed", "user", userID, "error", err)
	}

	switch msg.Command() {
	case "start":
		c.handleStart(msg)
	case "help":
		c.handleHelp(msg)
	case "stats":
		c.handleStats(msg)
	case "broadcast":
		c.handleBroadcast(msg)
	}
}

func (c *Coordinator) handleStart(msg *tgbotapi.Message) {
	name := strings.TrimSpace(msg.From.FirstName)
	if name == "" {
		name = "there"
	}
	var text strings.Builder
	fmt.Fprintf(&text, "👋 Hi %s!\n\nPick a video below. You watch a short sponsor ad, then the video is delivered right here.", name)

	videos := c.store.ListVideos()
	buttons := make([][]Button, 0, len(videos))
	for _, video := range videos {
		buttons = append(buttons, []Button{{Label: "🎬 " + video.Title, Data: watchData(video.ID)}})
	}
	if len(videos) == 0 {
		text.WriteString("\n\nNo videos are available yet — check back soon.")
	}

	sent, err := c.transport.SendMessage(msg.Chat.ID, text.String(), buttons)
	if err != nil {
		c.logger.Warn("send start reply failed", "user", msg.From.ID, "error", err)
		return
	}
	c.trackSent(sent, msg.From.ID, models.MessageKindText, "")
}

func (c *Coordinator) handleHelp(msg *tgbotapi.Message) {
	help := strings.Join([]string{
		"ℹ️ How it works:",
		"",
		"1. Press a watch button on a video.",
		"2. Open the ad page and sit through the sponsor spot.",
		"3. The video arrives here automatically.",
		"",
		"/start — list available videos",
		"/stats — your viewing stats",
	}, "\n")
	sent, err := c.transport.SendMessage(msg.Chat.ID, help, nil)
	if err != nil {
		c.logger.Warn("send help reply failed", "user", msg.From.ID, "error", err)
		return
	}
	c.trackSent(sent, msg.From.ID, models.MessageKindText, "")
}

func (c *Coordinator) handleStats(msg *tgbotapi.Message) {
	viewer, ok := c.store.GetViewer(msg.From.ID)
	if !ok {
		c.sendNotice(msg.From.ID, "No stats yet — watch your first video!")
		return
	}
	text := fmt.Sprintf("📊 Your stats:\n\nVideos watched: %d\nMember since: %s",
		viewer.VideosWatched, viewer.JoinedAt.Format("2 Jan 2006"))
	sent, err := c.transport.SendMessage(msg.Chat.ID, text, nil)
	if err != nil {
		c.logger.Warn("send stats reply failed", "user", msg.From.ID, "error", err)
		return
	}
	c.trackSent(sent, msg.From.ID, models.MessageKindText, "")
}

func (c *Coordinator) handleBroadcast(msg *tgbotapi.Message) {
	if !c.isAdmin(msg.From.ID) {
		c.sendNotice(msg.From.ID, "This command is restricted to administrators.")
		return
	}
	text := strings.TrimSpace(msg.CommandArguments())
	if text == "" {
		c.sendNotice(msg.From.ID, "Usage: /broadcast <message>")
		return
	}

	viewers := c.store.ListViewers()
	adminID := msg.From.ID

	// The fan-out runs off the worker so a large audience does not stall
	// other chat-flow work.
	c.waits.Add(1)
	go func() {
		defer c.waits.Done()
		var sent, failed atomic.Int64
		var group errgroup.Group
		group.SetLimit(c.cfg.BroadcastConcurrency)
		for _, viewer := range viewers {
			viewer := viewer
			group.Go(func() error {
				if _, err := c.transport.SendMessage(viewer.ID, text, nil); err != nil {
					failed.Add(1)
					c.logger.Debug("broadcast delivery failed", "user", viewer.ID, "error", err)
					return nil
				}
				sent.Add(1)
				return nil
			})
		}
		_ = group.Wait()
		summary := fmt.Sprintf("📣 Broadcast finished: %d delivered, %d failed.", sent.Load(), failed.Load())
		if _, err := c.transport.SendMessage(adminID, summary, nil); err != nil {
			c.logger.Warn("send broadcast summary failed", "user", adminID, "error", err)
		}
		c.logger.Info("broadcast finished", "delivered", sent.Load(), "failed", failed.Load())
	}()
}

func (c *Coordinator) isAdmin(userID int64) bool {
	for _, id := range c.cfg.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// handleChannelPost registers videos posted to the source channel and
// announces them publicly. Some clients upload videos as documents, so both
// shapes are accepted.
func (c *Coordinator) handleChannelPost(post *tgbotapi.Message) {
	if post.Chat == nil {
		return
	}
	if c.cfg.SourceChannelID != 0 && post.Chat.ID != c.cfg.SourceChannelID {
		return
	}

	var video models.VideoAsset
	switch {
	case post.Video != nil:
		video = models.VideoAsset{
			ID:       post.Video.FileUniqueID,
			FileID:   post.Video.FileID,
			Duration: post.Video.Duration,
			FileSize: int64(post.Video.FileSize),
		}
		if post.Video.Thumbnail != nil {
			video.ThumbnailFileID = post.Video.Thumbnail.FileID
		}
	case post.Document != nil && strings.HasPrefix(post.Document.MimeType, "video/"):
		video = models.VideoAsset{
			ID:     post.Document.FileUniqueID,
			FileID: post.Document.FileID,
			Title:  post.Document.FileName,
		}
		if post.Document.Thumbnail != nil {
			video.ThumbnailFileID = post.Document.Thumbnail.FileID
		}
	default:
		return
	}

	video.Caption = post.Caption
	video.CaptionEntities = fromMessageEntities(post.CaptionEntities)
	if video.Title == "" {
		video.Title = firstCaptionLine(post.Caption, video.ID)
	}

	stored, err := c.store.PutVideo(video)
	if err != nil {
		c.logger.Error("register video failed", "video", video.ID, "error", err)
		return
	}
	c.logger.Info("video registered", "video", stored.ID, "title", stored.Title)
	c.announceVideo(stored)
}

func firstCaptionLine(caption, fallbackID string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(caption), "\n")
	line = strings.TrimSpace(line)
	if line != "" {
		return line
	}
	if len(fallbackID) > 8 {
		fallbackID = fallbackID[:8]
	}
	return "Video " + fallbackID
}
