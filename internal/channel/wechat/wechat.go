// Package wechat delivers notifications to a WeCom group robot webhook as
// markdown messages.
package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"alert-dispatcher/internal/channel"
)

const Name = "wechat"

// Throttling error codes returned by the robot API. Everything else with a
// non-zero errcode is a rejected message or an invalid key.
var transientCodes = map[int]bool{
	-1:    true, // system busy
	45009: true, // api freq out of limit
	45033: true, // max concurrent calls
}

type markdownMessage struct {
	MsgType  string          `json:"msgtype"`
	Markdown markdownContent `json:"markdown"`
}

type markdownContent struct {
	Content string `json:"content"`
}

type apiResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Channel posts to one robot webhook URL.
type Channel struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// New returns a channel for webhookURL. A nil client gets a 10s timeout.
func New(webhookURL string, client *http.Client) *Channel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Channel{webhookURL: webhookURL, client: client, now: time.Now}
}

func (c *Channel) Name() string {
	return Name
}

func (c *Channel) Send(ctx context.Context, msg channel.Message) error {
	if c.webhookURL == "" {
		return channel.Permanent(errors.New("wechat webhook url is not configured"))
	}

	body, err := json.Marshal(markdownMessage{
		MsgType:  "markdown",
		Markdown: markdownContent{Content: Format(msg, c.now())},
	})
	if err != nil {
		return channel.Permanent(fmt.Errorf("failed to marshal wechat message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return channel.Permanent(fmt.Errorf("failed to create wechat request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send wechat message: %w", err)
	}
	defer resp.Body.Close()

	if err := channel.CheckHTTPStatus(resp); err != nil {
		return fmt.Errorf("wechat: %w", err)
	}

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode wechat response: %w", err)
	}
	if result.ErrCode != 0 {
		err := fmt.Errorf("wechat errcode %d: %s", result.ErrCode, result.ErrMsg)
		if transientCodes[result.ErrCode] {
			return err
		}
		return channel.Permanent(err)
	}
	return nil
}

// Format renders the markdown body. Urgent messages get a siren marker.
func Format(msg channel.Message, at time.Time) string {
	heading := "## " + msg.Title
	if msg.IsUrgent {
		heading = "## 🚨 " + msg.Title
	}
	return fmt.Sprintf("%s\n\n%s\n\n⏰ %s", heading, msg.Content, at.Format("2006-01-02 15:04:05"))
}
