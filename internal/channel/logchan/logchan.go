// Package logchan is a channel that writes notifications to the structured
// log instead of an external service.
package logchan

import (
	"context"

	"alert-dispatcher/internal/channel"
	"alert-dispatcher/internal/logger"
)

const Name = "log"

type Channel struct {
	logger *logger.Logger
}

func New(log *logger.Logger) *Channel {
	return &Channel{logger: log.With("channel", Name)}
}

func (c *Channel) Name() string {
	return Name
}

func (c *Channel) Send(ctx context.Context, msg channel.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.Info("notification",
		"notificationId", msg.NotificationID,
		"rule", msg.RuleName,
		"title", msg.Title,
		"content", msg.Content,
		"urgent", msg.IsUrgent)
	return nil
}
