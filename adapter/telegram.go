package adapter

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"courier"
	"courier/pii"
)

// TelegramSenderName is the identifier for the bot-platform sender adapter.
const TelegramSenderName = "telegram-bot"

// TelegramConfig configures the bot-platform sender.
type TelegramConfig struct {
	Token string
	// Offline skips token verification; used by tests.
	Offline bool
}

// TelegramSender sends, edits, and surfaces typing through the Telegram
// Bot API. Recipients are chat ids in decimal string form.
type TelegramSender struct {
	bot *tele.Bot
	log zerolog.Logger
}

// NewTelegramSender builds the bot-platform sender adapter.
func NewTelegramSender(cfg TelegramConfig, log zerolog.Logger) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" && !cfg.Offline {
		return nil, errors.New("telegram token is required")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		Poller:  &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{
		bot: bot,
		log: log.With().Str("sender", TelegramSenderName).Logger(),
	}, nil
}

// Send delivers one text message and returns the Telegram message id.
func (s *TelegramSender) Send(ctx context.Context, to, text string) (string, error) {
	chat, err := parseChatID(to)
	if err != nil {
		return "", err
	}
	s.log.Debug().
		Str("recipient", pii.MaskRecipient(to)).
		Int("content_len", len(text)).
		Msg("telegram_request")

	msg, err := s.bot.Send(chat, text)
	if err != nil {
		return "", normalizeTelegramError(err)
	}
	return strconv.Itoa(msg.ID), nil
}

// Edit rewrites a previously sent message in place.
func (s *TelegramSender) Edit(ctx context.Context, to, messageID, text string) error {
	chat, err := parseChatID(to)
	if err != nil {
		return err
	}
	stored := tele.StoredMessage{MessageID: messageID, ChatID: int64(chat)}
	if _, err := s.bot.Edit(stored, text); err != nil {
		return normalizeTelegramError(err)
	}
	return nil
}

// SendTyping surfaces a typing indicator, best-effort.
func (s *TelegramSender) SendTyping(ctx context.Context, to string) error {
	chat, err := parseChatID(to)
	if err != nil {
		return err
	}
	if err := s.bot.Notify(chat, tele.Typing); err != nil {
		return normalizeTelegramError(err)
	}
	return nil
}

func parseChatID(to string) (tele.ChatID, error) {
	if err := courier.ValidateRecipient(to); err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
	if err != nil {
		return 0, errors.New("telegram recipient must be a numeric chat id")
	}
	return tele.ChatID(id), nil
}

func normalizeTelegramError(err error) error {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return &courier.ChannelError{
			Channel: courier.ChannelTelegram,
			Status:  apiErr.Code,
			Message: apiErr.Description,
		}
	}
	return err
}
