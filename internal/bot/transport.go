package bot

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"vidgate/internal/models"
)

// Button is one inline keyboard button. Exactly one of URL or Data is set.
type Button struct {
	Label string
	URL   string
	Data  string
}

// SentMessage identifies a message the transport delivered.
type SentMessage struct {
	ChatID    int64
	MessageID int
}

// Transport abstracts the Telegram Bot API surface the flow needs. The fake
// used in tests implements the same interface.
type Transport interface {
	SendMessage(chatID int64, text string, buttons [][]Button) (SentMessage, error)
	SendVideo(chatID int64, video models.VideoAsset) (SentMessage, error)
	SendPhoto(chatID int64, fileID, caption string, buttons [][]Button) (SentMessage, error)
	DeleteMessage(chatID int64, messageID int) error
	AnswerCallback(callbackID, text string, showAlert bool) error
}

// TelegramTransport drives a live Bot API connection.
type TelegramTransport struct {
	api *tgbotapi.BotAPI
}

// NewTelegramTransport connects to the Bot API and verifies the token.
func NewTelegramTransport(token string) (*TelegramTransport, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect bot api: %w", err)
	}
	return &TelegramTransport{api: api}, nil
}

// API exposes the underlying client for webhook registration and parsing.
func (t *TelegramTransport) API() *tgbotapi.BotAPI {
	return t.api
}

// RegisterWebhook points Telegram at the given public URL.
func (t *TelegramTransport) RegisterWebhook(url string) error {
	webhook, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("build webhook config: %w", err)
	}
	if _, err := t.api.Request(webhook); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	return nil
}

func (t *TelegramTransport) SendMessage(chatID int64, text string, buttons [][]Button) (SentMessage, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup, ok := inlineMarkup(buttons); ok {
		msg.ReplyMarkup = markup
	}
	sent, err := t.api.Send(msg)
	if err != nil {
		return SentMessage{}, classifySendError(err)
	}
	return SentMessage{ChatID: chatID, MessageID: sent.MessageID}, nil
}

func (t *TelegramTransport) SendVideo(chatID int64, video models.VideoAsset) (SentMessage, error) {
	msg := tgbotapi.NewVideo(chatID, tgbotapi.FileID(video.FileID))
	msg.Caption = video.Caption
	msg.CaptionEntities = toMessageEntities(video.CaptionEntities)
	if video.Duration > 0 {
		msg.Duration = video.Duration
	}
	sent, err := t.api.Send(msg)
	if err != nil {
		return SentMessage{}, classifySendError(err)
	}
	return SentMessage{ChatID: chatID, MessageID: sent.MessageID}, nil
}

func (t *TelegramTransport) SendPhoto(chatID int64, fileID, caption string, buttons [][]Button) (SentMessage, error) {
	msg := tgbotapi.NewPhoto(chatID, tgbotapi.FileID(fileID))
	msg.Caption = caption
	if markup, ok := inlineMarkup(buttons); ok {
		msg.ReplyMarkup = markup
	}
	sent, err := t.api.Send(msg)
	if err != nil {
		return SentMessage{}, classifySendError(err)
	}
	return SentMessage{ChatID: chatID, MessageID: sent.MessageID}, nil
}

func (t *TelegramTransport) DeleteMessage(chatID int64, messageID int) error {
	if _, err := t.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return classifySendError(err)
	}
	return nil
}

func (t *TelegramTransport) AnswerCallback(callbackID, text string, showAlert bool) error {
	callback := tgbotapi.NewCallback(callbackID, text)
	callback.ShowAlert = showAlert
	if _, err := t.api.Request(callback); err != nil {
		return classifySendError(err)
	}
	return nil
}

func inlineMarkup(buttons [][]Button) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(buttons) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		if len(row) == 0 {
			continue
		}
		converted := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, button := range row {
			if button.URL != "" {
				converted = append(converted, tgbotapi.NewInlineKeyboardButtonURL(button.Label, button.URL))
				continue
			}
			converted = append(converted, tgbotapi.NewInlineKeyboardButtonData(button.Label, button.Data))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(converted...))
	}
	if len(rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

func toMessageEntities(entities []models.CaptionEntity) []tgbotapi.MessageEntity {
	if len(entities) == 0 {
		return nil
	}
	converted := make([]tgbotapi.MessageEntity, 0, len(entities))
	for _, entity := range entities {
		converted = append(converted, tgbotapi.MessageEntity{
			Type:     entity.Type,
			Offset:   entity.Offset,
			Length:   entity.Length,
			URL:      entity.URL,
			Language: entity.Language,
		})
	}
	return converted
}

func fromMessageEntities(entities []tgbotapi.MessageEntity) []models.CaptionEntity {
	if len(entities) == 0 {
		return nil
	}
	converted := make([]models.CaptionEntity, 0, len(entities))
	for _, entity := range entities {
		converted = append(converted, models.CaptionEntity{
			Type:     entity.Type,
			Offset:   entity.Offset,
			Length:   entity.Length,
			URL:      entity.URL,
			Language: entity.Language,
		})
	}
	return converted
}
