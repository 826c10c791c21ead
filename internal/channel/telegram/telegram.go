// Package telegram delivers notifications to a Telegram chat through a bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"alert-dispatcher/internal/channel"
)

const Name = "telegram"

// telegram rejects longer texts
const textLimit = 4096

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Config holds bot credentials and the target chat.
type Config struct {
	Token  string
	ChatID int64
	APIURL string // empty for the public Bot API
	Client *http.Client
}

type Channel struct {
	bot    sender
	chatID int64
}

// New creates an offline bot: no getMe round trip and no polling, sending
// only.
func New(cfg Config) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Channel{bot: b, chatID: cfg.ChatID}, nil
}

func (c *Channel) Name() string {
	return Name
}

// Send posts the message. The bot API call has no context, so a deadline
// abandons the call rather than cancelling it.
func (c *Channel) Send(ctx context.Context, msg channel.Message) error {
	text := Format(msg)
	done := make(chan error, 1)
	go func() {
		_, err := c.bot.Send(&tele.Chat{ID: c.chatID}, text, &tele.SendOptions{
			ParseMode:             tele.ModeMarkdown,
			DisableWebPagePreview: true,
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return classify(err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram send abandoned: %w", ctx.Err())
	}
}

// Format renders a Markdown text, truncated to the API limit.
func Format(msg channel.Message) string {
	title := msg.Title
	if msg.IsUrgent {
		title = "🚨 " + title
	}
	text := "*" + title + "*\n\n" + msg.Content
	if r := []rune(text); len(r) > textLimit {
		text = string(r[:textLimit-1]) + "…"
	}
	return text
}

func classify(err error) error {
	err = fmt.Errorf("telegram: %w", err)

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return channel.Permanent(err)
		}
	}
	return err
}
