// Package forward delivers gateway message events to the configured webhook.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/herald/internal/journal"
)

// Envelope is the normalized representation of a chat message destined for
// the webhook. Immutable once built; discarded after delivery or after
// exhausting retry.
type Envelope struct {
	ChannelID   string    `json:"channel_id"`
	GuildID     string    `json:"guild_id,omitempty"`
	Author      Author    `json:"author"`
	Content     string    `json:"content"`
	MessageID   string    `json:"message_id"`
	Attachments []string  `json:"attachments,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Author identifies the human who wrote the message. Bot-authored messages
// are filtered at the gateway boundary and never reach this package.
type Author struct {
	ID      string `json:"id"`
	Display string `json:"display"`
}

// Result is the terminal outcome of a forward.
type Result int

const (
	Forwarded Result = iota
	Failed
)

// Recorder receives delivery outcomes. Satisfied by *journal.Journal.
type Recorder interface {
	RecordDelivery(ctx context.Context, d journal.Delivery) error
	RecordDeadLetter(ctx context.Context, id string, payload []byte, attempts int, lastError string) error
}

// Options configures a Forwarder. Zero values get sensible defaults.
type Options struct {
	// Timeout bounds each delivery attempt.
	Timeout time.Duration

	// MaxAttempts bounds retries per envelope.
	MaxAttempts int

	// QueueSize bounds the internal envelope queue. When the queue is full,
	// Enqueue drops the event rather than block the gateway read loop.
	QueueSize int

	// InitialBackoff is the sleep before the second attempt; it doubles on
	// each subsequent attempt. Tests shrink this.
	InitialBackoff time.Duration

	// Recorder, when non-nil, journals delivery outcomes.
	Recorder Recorder
}

// Forwarder serializes envelopes and POSTs them to the webhook URL with
// bounded retry. Delivery failures are logged and journaled, never escalated:
// a dead webhook must not take down the gateway connection.
type Forwarder struct {
	url            string
	client         *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	recorder       Recorder
	logger         *slog.Logger
	queue          chan Envelope
}

// New creates a Forwarder targeting url.
func New(url string, opts Options, logger *slog.Logger) *Forwarder {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 1 * time.Second
	}

	return &Forwarder{
		url:            url,
		client:         &http.Client{Timeout: opts.Timeout},
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
		recorder:       opts.Recorder,
		logger:         logger,
		queue:          make(chan Envelope, opts.QueueSize),
	}
}

// Enqueue hands an envelope to the forwarder without blocking. Returns false
// when the queue is full and the event was dropped.
func (f *Forwarder) Enqueue(env Envelope) bool {
	select {
	case f.queue <- env:
		return true
	default:
		f.logger.Warn("forward queue full, dropping event",
			"channel_id", env.ChannelID,
			"message_id", env.MessageID,
		)
		return false
	}
}

// Run drains the queue until ctx is cancelled. Each envelope is delivered in
// its own goroutine so one slow webhook retry never stalls later events.
// Shutdown is best-effort: in-flight retries are abandoned with ctx.
func (f *Forwarder) Run(ctx context.Context) {
	f.logger.Info("forwarder started", "url", f.url)
	defer f.logger.Info("forwarder stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-f.queue:
			go f.deliver(ctx, env)
		}
	}
}

// Forward delivers one envelope synchronously with bounded retry.
func (f *Forwarder) Forward(ctx context.Context, env Envelope) Result {
	result, _, _ := f.attempt(ctx, env)
	return result
}

func (f *Forwarder) deliver(ctx context.Context, env Envelope) {
	deliveryID := uuid.NewString()
	createdAt := time.Now().UTC()

	result, attempts, lastErr := f.attempt(ctx, env)

	if f.recorder != nil {
		d := journal.Delivery{
			ID:          deliveryID,
			ChannelID:   env.ChannelID,
			MessageID:   env.MessageID,
			Status:      journal.StatusForwarded,
			Attempts:    attempts,
			CreatedAt:   createdAt,
			CompletedAt: time.Now().UTC(),
		}
		if result == Failed {
			d.Status = journal.StatusDropped
			if lastErr != nil {
				d.LastError = lastErr.Error()
			}
		}
		if err := f.recorder.RecordDelivery(ctx, d); err != nil {
			f.logger.Error("failed to journal delivery", "delivery_id", deliveryID, "error", err)
		}
		if result == Failed {
			payload, merr := json.Marshal(env)
			if merr == nil {
				if err := f.recorder.RecordDeadLetter(ctx, deliveryID, payload, attempts, d.LastError); err != nil {
					f.logger.Error("failed to journal dead letter", "delivery_id", deliveryID, "error", err)
				}
			}
		}
	}
}

// attempt runs the retry loop and returns the outcome, the number of attempts
// made, and the last delivery error.
func (f *Forwarder) attempt(ctx context.Context, env Envelope) (Result, int, error) {
	body, err := json.Marshal(env)
	if err != nil {
		f.logger.Error("failed to marshal envelope", "message_id", env.MessageID, "error", err)
		return Failed, 0, err
	}

	backoff := f.initialBackoff
	var lastErr error

	for attemptN := 1; attemptN <= f.maxAttempts; attemptN++ {
		err := f.post(ctx, body)
		if err == nil {
			f.logger.Debug("event forwarded",
				"channel_id", env.ChannelID,
				"message_id", env.MessageID,
				"attempt", attemptN,
			)
			return Forwarded, attemptN, nil
		}
		lastErr = err
		f.logger.Warn("webhook delivery failed",
			"message_id", env.MessageID,
			"attempt", attemptN,
			"error", err,
		)

		if attemptN == f.maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return Failed, attemptN, ctx.Err()
		}
		backoff *= 2
	}

	f.logger.Error("event dropped after exhausting retries",
		"channel_id", env.ChannelID,
		"message_id", env.MessageID,
		"attempts", f.maxAttempts,
		"error", lastErr,
	)
	return Failed, f.maxAttempts, lastErr
}

func (f *Forwarder) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}
