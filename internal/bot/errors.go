package bot

import (
	"errors"
	"strings"
)

var (
	// ErrWorkerUnavailable signals that the chat-flow worker is not running
	// or its queue is saturated. HTTP callers map this to 503.
	ErrWorkerUnavailable = errors.New("chat worker unavailable")
	// ErrUserUnreachable means Telegram refuses deliveries to this user:
	// they blocked the bot or never started a conversation with it.
	ErrUserUnreachable = errors.New("user unreachable")
	// ErrTransportTransient marks a retryable Telegram API failure.
	ErrTransportTransient = errors.New("transient transport failure")
)

// unreachableFragments are the error substrings the Bot API returns when a
// chat cannot be written to. Telegram does not expose structured codes for
// these, so matching the message text is the only option.
var unreachableFragments = []string{
	"forbidden",
	"bot can't initiate conversation",
	"bot was blocked",
	"user is deactivated",
	"chat not found",
}

func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range unreachableFragments {
		if strings.Contains(msg, fragment) {
			return errors.Join(ErrUserUnreachable, err)
		}
	}
	return errors.Join(ErrTransportTransient, err)
}
