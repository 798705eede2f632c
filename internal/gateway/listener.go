package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"
)

// Gateway opcodes used by the listener.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// intents requests guild message events including content.
// GUILDS | GUILD_MESSAGES | MESSAGE_CONTENT.
const intents = 1<<0 | 1<<9 | 1<<15

const maxReconnectBackoff = 60 * time.Second

// Handler receives message-create events. Called from the listener's read
// loop, so it must not block; hand off to a queue and return.
type Handler func(Message)

// Listener maintains the gateway websocket connection and delivers
// message-create events to its handler. Bot-authored messages are dropped
// here so the relay never echoes itself.
type Listener struct {
	token      string
	gatewayURL string
	handler    Handler
	logger     *slog.Logger

	lastSeq atomic.Int64
}

// NewListener creates a gateway listener. handler must be non-nil.
func NewListener(token, gatewayURL string, handler Handler, logger *slog.Logger) *Listener {
	return &Listener{
		token:      token,
		gatewayURL: gatewayURL,
		handler:    handler,
		logger:     logger,
	}
}

// Run connects to the gateway and consumes events until ctx is cancelled.
// The first connection must succeed (startup failure otherwise); later
// disconnects reconnect with capped exponential backoff.
func (l *Listener) Run(ctx context.Context) error {
	connectedOnce := false
	backoff := time.Second

	for {
		start := time.Now()
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			connectedOnce = true
		}
		if !connectedOnce {
			return fmt.Errorf("gateway connect: %w", err)
		}

		// A session that survived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}
		l.logger.Warn("gateway session ended, reconnecting", "error", err, "backoff", backoff.String())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < maxReconnectBackoff {
			backoff *= 2
		}
	}
}

// payload is the gateway wire frame.
type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// outPayload is the sending-side frame; D is marshaled in place.
type outPayload struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

// session runs one gateway connection: hello, identify, heartbeat, dispatch.
// Returns whether the websocket handshake succeeded, and the error that ended
// the session.
func (l *Listener) session(ctx context.Context) (bool, error) {
	conn, err := websocket.Dial(l.gatewayURL, "", "https://discord.com")
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	// Unblock the read loop on shutdown.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-sessionDone:
		}
	}()

	var hello payload
	if err := websocket.JSON.Receive(conn, &hello); err != nil {
		return true, fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return true, fmt.Errorf("expected hello, got op %d", hello.Op)
	}

	var helloData struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return true, fmt.Errorf("decode hello: %w", err)
	}

	identify := outPayload{
		Op: opIdentify,
		D: map[string]any{
			"token":   l.token,
			"intents": intents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "herald",
				"device":  "herald",
			},
		},
	}
	if err := websocket.JSON.Send(conn, identify); err != nil {
		return true, fmt.Errorf("send identify: %w", err)
	}

	l.logger.Info("gateway connected", "heartbeat_interval_ms", helloData.HeartbeatInterval)

	go l.heartbeat(conn, time.Duration(helloData.HeartbeatInterval)*time.Millisecond, sessionDone)

	return true, l.readLoop(conn)
}

func (l *Listener) heartbeat(conn *websocket.Conn, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		interval = 41 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := l.sendHeartbeat(conn); err != nil {
				// The read loop will observe the broken connection.
				return
			}
		}
	}
}

func (l *Listener) sendHeartbeat(conn *websocket.Conn) error {
	var seq any
	if s := l.lastSeq.Load(); s > 0 {
		seq = s
	}
	return websocket.JSON.Send(conn, outPayload{Op: opHeartbeat, D: seq})
}

func (l *Listener) readLoop(conn *websocket.Conn) error {
	for {
		var p payload
		if err := websocket.JSON.Receive(conn, &p); err != nil {
			return fmt.Errorf("read gateway frame: %w", err)
		}

		switch p.Op {
		case opDispatch:
			if p.S > 0 {
				l.lastSeq.Store(p.S)
			}
			if p.T == "MESSAGE_CREATE" {
				l.dispatchMessage(p.D)
			}
		case opHeartbeat:
			if err := l.sendHeartbeat(conn); err != nil {
				return fmt.Errorf("answer heartbeat: %w", err)
			}
		case opReconnect:
			return fmt.Errorf("gateway requested reconnect")
		case opInvalidSession:
			return fmt.Errorf("gateway invalidated session")
		case opHeartbeatACK:
			// fine
		}
	}
}

func (l *Listener) dispatchMessage(raw json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		l.logger.Warn("failed to decode message event", "error", err)
		return
	}
	if msg.Author.Bot {
		return
	}
	l.handler(msg)
}
