package lifecycle

import (
	"fmt"
	"log/slog"
	"time"

	"vidgate/internal/models"
	"vidgate/internal/storage"
)

// DefaultRetention is how long a bot-sent message stays in the chat before
// the sweeper removes it.
const DefaultRetention = 24 * time.Hour

// MessageDeleter is the slice of the chat transport the manager needs.
type MessageDeleter interface {
	DeleteMessage(chatID int64, messageID int) error
}

// Manager tracks every message the bot sends and removes it again, either
// when the next prompt supersedes it or when its retention deadline passes.
type Manager struct {
	store     storage.Repository
	transport MessageDeleter
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Option tunes manager behaviour.
type Option func(*Manager)

// WithRetention overrides the delete deadline applied to tracked messages.
func WithRetention(retention time.Duration) Option {
	return func(m *Manager) {
		if retention > 0 {
			m.retention = retention
		}
	}
}

// WithClock overrides the timestamp source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager wires the manager to a repository and chat transport.
func NewManager(store storage.Repository, transport MessageDeleter, opts ...Option) *Manager {
	manager := &Manager{
		store:     store,
		transport: transport,
		retention: DefaultRetention,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(manager)
	}
	return manager
}

// TrackAndArm records a sent message and arms its delete deadline.
func (m *Manager) TrackAndArm(msg models.TrackedMessage) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = m.now()
	}
	if msg.DeleteAt.IsZero() {
		msg.DeleteAt = msg.SentAt.Add(m.retention)
	}
	if msg.Kind == "" {
		msg.Kind = models.MessageKindText
	}
	if err := m.store.TrackMessage(msg); err != nil {
		return fmt.Errorf("track message: %w", err)
	}
	return nil
}

// DeletePrevious removes the user's earlier non-video messages so at most one
// prompt is visible at a time. Transport failures are swallowed per record:
// the message may already be gone, and the record is marked deleted either
// way so it is never retried.
func (m *Manager) DeletePrevious(userID int64) {
	for _, msg := range m.store.ListViewerMessages(userID, false) {
		if msg.Kind == models.MessageKindVideo {
			continue
		}
		if err := m.transport.DeleteMessage(msg.ChatID, msg.MessageID); err != nil {
			m.logger.Debug("delete previous message failed", "user", userID, "message", msg.MessageID, "error", err)
		}
		if err := m.store.MarkMessageDeleted(msg.Key(), m.now()); err != nil {
			m.logger.Warn("mark message deleted failed", "key", msg.Key(), "error", err)
		}
	}
}

// Sweep deletes every tracked message whose deadline has passed. One failing
// record never aborts the pass; the count of records processed is returned.
func (m *Manager) Sweep(now time.Time) int {
	if now.IsZero() {
		now = m.now()
	}
	expired := m.store.ListExpiredMessages(now)
	for _, msg := range expired {
		if err := m.transport.DeleteMessage(msg.ChatID, msg.MessageID); err != nil {
			m.logger.Debug("sweep delete failed", "key", msg.Key(), "error", err)
		}
		if err := m.store.MarkMessageDeleted(msg.Key(), now); err != nil {
			m.logger.Warn("sweep mark deleted failed", "key", msg.Key(), "error", err)
		}
	}
	return len(expired)
}

// Retention exposes the configured message lifetime.
func (m *Manager) Retention() time.Duration {
	return m.retention
}
