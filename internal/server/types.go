package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

//go:generate mockgen -destination=mocks/mock_sender.go -package=mocks github.com/mattjoyce/herald/internal/server Sender

// Sender posts a message into a platform channel and returns the created
// message id. Satisfied by *gateway.Client.
type Sender interface {
	SendMessage(ctx context.Context, channelID, content string) (string, error)
}

// Header names for the signed request scheme.
const (
	TimestampHeader = "X-Relay-Timestamp"
	SignatureHeader = "X-Relay-Signature"
)

// ChannelID accepts both JSON string and integer forms; Discord snowflakes
// exceed float64 precision, so the integer form is decoded as json.Number,
// never float.
type ChannelID string

func (c *ChannelID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChannelID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("channel_id must be a string or integer")
	}
	if strings.ContainsAny(n.String(), ".eE") {
		return fmt.Errorf("channel_id must be a string or integer")
	}
	*c = ChannelID(n.String())
	return nil
}

// SendRequest is the verified inbound payload.
type SendRequest struct {
	ChannelID ChannelID `json:"channel_id"`
	Content   string    `json:"content"`
}

// Validate reports the first missing or invalid field.
func (r *SendRequest) Validate() error {
	if r.ChannelID == "" {
		return fmt.Errorf("channel_id is required")
	}
	if r.Content == "" {
		return fmt.Errorf("content must be a non-empty string")
	}
	return nil
}

// SendResponse is the JSON response for accepted sends.
type SendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

// ErrorResponse is the JSON response for rejected requests.
type ErrorResponse struct {
	Error string `json:"error"`
}
