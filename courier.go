// Package courier defines the normalized contract between the outbound
// delivery engine and the per-channel sender adapters.
package courier

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrMissingRecipient = errors.New("missing recipient")
var ErrMissingContent = errors.New("missing message content")
var errUnknownChannel = errors.New("channel is not supported")

// Channel identifies an external messaging surface.
type Channel string

const (
	// ChannelWhatsApp is the WhatsApp Cloud API channel.
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelTelegram is the Telegram bot-platform channel.
	ChannelTelegram Channel = "telegram"
)

// ParseChannel validates a channel name from configuration or storage.
func ParseChannel(value string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(value))) {
	case ChannelWhatsApp:
		return ChannelWhatsApp, nil
	case ChannelTelegram:
		return ChannelTelegram, nil
	}
	return "", fmt.Errorf("%w: %q", errUnknownChannel, value)
}

func (c Channel) String() string { return string(c) }

// Sender performs one synchronous network send against a channel API.
// Implementations translate channel-specific error bodies into a
// ChannelError; any returned error means the message was not delivered.
type Sender interface {
	Send(ctx context.Context, to, text string) (messageID string, err error)
}

// Editor is implemented by senders whose channel supports editing a
// previously sent message in place. Discovered by interface assertion.
type Editor interface {
	Edit(ctx context.Context, to, messageID, text string) error
}

// Typer is implemented by senders that can surface a typing indicator.
// Typing failures are logged by callers, never propagated.
type Typer interface {
	SendTyping(ctx context.Context, to string) error
}

// ChannelError is the normalized API-level failure from a channel send.
type ChannelError struct {
	Channel Channel
	Status  int
	Code    string
	Message string
}

func (e *ChannelError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s api error status=%d code=%s: %s", e.Channel, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error status=%d: %s", e.Channel, e.Status, e.Message)
}

// ValidateRecipient rejects empty or whitespace-only recipient addresses.
func ValidateRecipient(to string) error {
	if strings.TrimSpace(to) == "" {
		return ErrMissingRecipient
	}
	return nil
}
