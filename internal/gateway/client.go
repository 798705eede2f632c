// Package gateway talks to Discord: a REST client for posting messages and a
// long-lived websocket listener producing message-create events.
//
// The listener owns connection lifecycle (identify, heartbeat, reconnect with
// capped backoff) and filters out bot-authored messages before handing events
// to its handler. Consumers downstream never re-check author type.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// User is a Discord user as it appears on message events.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot,omitempty"`
}

// Attachment is a file attached to a message; only the URL is relayed.
type Attachment struct {
	URL string `json:"url"`
}

// Message is a message-create event.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	GuildID     string       `json:"guild_id,omitempty"`
	Content     string       `json:"content"`
	Author      User         `json:"author"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Client is a minimal Discord REST client. The relay only ever creates
// messages, so that is all it speaks.
type Client struct {
	token   string
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a REST client authenticating with the given bot token.
func NewClient(token, apiBase string, logger *slog.Logger) *Client {
	return &Client{
		token:   token,
		apiBase: strings.TrimSuffix(apiBase, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// SendMessage posts content to the given channel and returns the created
// message id.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/messages", c.apiBase, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("platform send rejected",
			"channel_id", channelID,
			"status", resp.StatusCode,
		)
		return "", fmt.Errorf("platform responded %d", resp.StatusCode)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	return created.ID, nil
}
