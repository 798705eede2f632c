package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/herald/internal/replay"
	"github.com/mattjoyce/herald/internal/signature"
)

// DefaultMaxBodySize caps inbound request bodies at 1 MB.
const DefaultMaxBodySize = 1048576

// authFailedMessage is the single response body for every authentication
// failure. Bad signature, stale timestamp, and replay are deliberately
// indistinguishable to the caller.
const authFailedMessage = "invalid or missing signature"

// Config holds inbound HTTP server configuration.
type Config struct {
	Listen      string
	MaxBodySize int64

	// Window bounds accepted timestamp skew in both directions. Matches the
	// replay guard's window.
	Window time.Duration
}

// Server is the inbound /send dispatcher.
type Server struct {
	config   Config
	verifier *signature.Verifier
	guard    *replay.Guard
	sender   Sender
	logger   *slog.Logger
	server   *http.Server

	// now is swappable for tests.
	now func() time.Time
}

// New creates the inbound HTTP server.
func New(config Config, verifier *signature.Verifier, guard *replay.Guard, sender Sender, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.Window <= 0 {
		config.Window = replay.DefaultWindow
	}

	return &Server{
		config:   config,
		verifier: verifier,
		guard:    guard,
		sender:   sender,
		logger:   logger,
		now:      time.Now,
	}
}

// Start starts the HTTP server (blocking until ctx is cancelled).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("relay server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("relay server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("relay server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("relay server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHealth)
	r.Post("/send", s.handleSend)

	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("inbound request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleHealth answers deployment health probes; no auth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("herald up and running\n"))
}

// handleSend authenticates and dispatches an inbound send.
//
// Order matters: the timestamp freshness check and signature verification run
// before the replay guard sees the signature, so unauthenticated traffic can
// never grow the guard, and admission is atomic with acceptance. The platform
// call in the final step is the only non-idempotent effect; replay admission
// guarantees it runs at most once per distinct signed request within the
// window.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limitedReader := io.LimitReader(r.Body, s.config.MaxBodySize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	ts := r.Header.Get(TimestampHeader)
	sig := r.Header.Get(SignatureHeader)
	now := s.now()

	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		s.rejectAuth(w, r, "bad timestamp header")
		return
	}

	skew := now.Sub(time.Unix(tsInt, 0))
	if skew > s.config.Window || skew < -s.config.Window {
		s.rejectAuth(w, r, "stale timestamp")
		return
	}

	if !s.verifier.Verify(ts, body, sig) {
		s.rejectAuth(w, r, "signature mismatch")
		return
	}

	if !s.guard.Admit(sig, now) {
		s.rejectAuth(w, r, "replayed signature")
		return
	}

	var req SendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "payload must be a JSON object with channel_id and content")
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	messageID, err := s.sender.SendMessage(ctx, string(req.ChannelID), req.Content)
	if err != nil {
		s.logger.Error("platform send failed",
			"channel_id", string(req.ChannelID),
			"request_id", middleware.GetReqID(ctx),
			"error", err,
		)
		s.respondError(w, http.StatusBadGateway, "platform send failed")
		return
	}

	s.logger.Info("message sent",
		"channel_id", string(req.ChannelID),
		"message_id", messageID,
		"request_id", middleware.GetReqID(ctx),
	)
	s.respondJSON(w, http.StatusOK, SendResponse{Status: "sent", MessageID: messageID})
}

// rejectAuth logs the real reason and answers with the generic 401. The
// response never discloses which check failed.
func (s *Server) rejectAuth(w http.ResponseWriter, r *http.Request, reason string) {
	s.logger.Warn("send rejected",
		"reason", reason,
		"request_id", middleware.GetReqID(r.Context()),
		"remote_addr", r.RemoteAddr,
	)
	s.respondError(w, http.StatusUnauthorized, authFailedMessage)
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
