package models

import (
	"fmt"
	"time"
)

// Viewer is a Telegram user the bot has interacted with. The ID is the
// Telegram user ID, which for direct messages doubles as the chat ID.
type Viewer struct {
	ID            int64      `json:"id"`
	Username      string     `json:"username,omitempty"`
	FirstName     string     `json:"firstName,omitempty"`
	JoinedAt      time.Time  `json:"joinedAt"`
	VideosWatched int        `json:"videosWatched"`
	LastActivity  *time.Time `json:"lastActivity,omitempty"`
}

// VideoAsset describes a video the bot can deliver. FileID is the Telegram
// file identifier captured from the source channel post; it is opaque and
// only valid for the bot that observed it.
type VideoAsset struct {
	ID              string          `json:"id"`
	FileID          string          `json:"fileId"`
	Title           string          `json:"title"`
	Caption         string          `json:"caption,omitempty"`
	CaptionEntities []CaptionEntity `json:"captionEntities,omitempty"`
	ThumbnailFileID string          `json:"thumbnailFileId,omitempty"`
	Duration        int             `json:"duration,omitempty"`
	FileSize        int64           `json:"fileSize,omitempty"`
	AddedAt         time.Time       `json:"addedAt"`
	Views           int             `json:"views"`
}

// CaptionEntity mirrors the Telegram message entity fields the bot needs to
// replay formatted captions verbatim.
type CaptionEntity struct {
	Type     string `json:"type"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	URL      string `json:"url,omitempty"`
	Language string `json:"language,omitempty"`
}

// Ad is a sponsor placement shown before a video is released.
type Ad struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url"`
	Duration    int       `json:"duration"`
	Active      bool      `json:"active"`
	Views       int       `json:"views"`
	Clicks      int       `json:"clicks"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Message kinds recorded by the lifecycle manager. Video deliveries are
// exempt from early cleanup; everything else is pruned before the next
// prompt goes out.
const (
	MessageKindText   = "text"
	MessageKindPrompt = "ad_prompt"
	MessageKindVideo  = "video"
)

// TrackedMessage is a bot-sent message scheduled for deletion.
type TrackedMessage struct {
	UserID    int64      `json:"userId"`
	ChatID    int64      `json:"chatId"`
	MessageID int        `json:"messageId"`
	Kind      string     `json:"kind"`
	VideoID   string     `json:"videoId,omitempty"`
	SentAt    time.Time  `json:"sentAt"`
	DeleteAt  time.Time  `json:"deleteAt"`
	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Key returns the storage key for the tracked message.
func (m TrackedMessage) Key() string {
	return MessageKey(m.UserID, m.MessageID)
}

// MessageKey builds the canonical "<userID>_<messageID>" storage key.
func MessageKey(userID int64, messageID int) string {
	return fmt.Sprintf("%d_%d", userID, messageID)
}

// ViewerState holds the per-user ad session. A user has at most one session
// at a time; starting a new one replaces the old one wholesale while other
// updates merge individual fields.
type ViewerState struct {
	UserID      int64      `json:"userId"`
	AdCompleted bool       `json:"adCompleted"`
	AdID        string     `json:"adId,omitempty"`
	VideoID     string     `json:"videoId,omitempty"`
	Token       string     `json:"token,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
