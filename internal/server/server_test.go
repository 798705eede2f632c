package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/mattjoyce/herald/internal/replay"
	"github.com/mattjoyce/herald/internal/server/mocks"
	"github.com/mattjoyce/herald/internal/signature"
)

const testSecret = "test-shared-secret-16b"

type fixture struct {
	server   *Server
	verifier *signature.Verifier
	sender   *mocks.MockSender
	router   http.Handler
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)

	verifier, err := signature.New(testSecret, "")
	if err != nil {
		t.Fatalf("signature.New: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := New(Config{Listen: "127.0.0.1:0"}, verifier, replay.NewGuard(300*time.Second), sender, logger)

	now := time.Unix(1700000000, 0)
	srv.now = func() time.Time { return now }

	return &fixture{
		server:   srv,
		verifier: verifier,
		sender:   sender,
		router:   srv.setupRoutes(),
		now:      now,
	}
}

// signedRequest builds a POST /send with valid headers for f.now.
func (f *fixture) signedRequest(body []byte) *http.Request {
	ts := strconv.FormatInt(f.now.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	req.Header.Set(TimestampHeader, ts)
	req.Header.Set(SignatureHeader, f.verifier.Sign(ts, body))
	return req
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSendValid(t *testing.T) {
	f := newFixture(t)
	f.sender.EXPECT().SendMessage(gomock.Any(), "123", "hi").Return("msg-1", nil).Times(1)

	rec := f.do(f.signedRequest([]byte(`{"channel_id":123,"content":"hi"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var resp SendResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "sent" || resp.MessageID != "msg-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSendStringChannelID(t *testing.T) {
	f := newFixture(t)
	f.sender.EXPECT().SendMessage(gomock.Any(), "456", "hi").Return("msg-2", nil).Times(1)

	rec := f.do(f.signedRequest([]byte(`{"channel_id":"456","content":"hi"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestSendReplayRejected(t *testing.T) {
	f := newFixture(t)
	f.sender.EXPECT().SendMessage(gomock.Any(), "123", "hi").Return("msg-1", nil).Times(1)

	body := []byte(`{"channel_id":123,"content":"hi"}`)

	first := f.do(f.signedRequest(body))
	if first.Code != http.StatusOK {
		t.Fatalf("first call status = %d, want 200", first.Code)
	}

	// The exact same signed request again: 401, platform called once total.
	second := f.do(f.signedRequest(body))
	if second.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d, want 401", second.Code)
	}
}

func TestSendStaleTimestamp(t *testing.T) {
	f := newFixture(t)
	// No SendMessage expectation: the platform must never be invoked.

	body := []byte(`{"channel_id":123,"content":"hi"}`)
	ts := strconv.FormatInt(f.now.Add(-400*time.Second).Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	req.Header.Set(TimestampHeader, ts)
	req.Header.Set(SignatureHeader, f.verifier.Sign(ts, body))

	rec := f.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSendFutureTimestamp(t *testing.T) {
	f := newFixture(t)

	body := []byte(`{"channel_id":123,"content":"hi"}`)
	ts := strconv.FormatInt(f.now.Add(400*time.Second).Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	req.Header.Set(TimestampHeader, ts)
	req.Header.Set(SignatureHeader, f.verifier.Sign(ts, body))

	rec := f.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSendAuthFailuresIndistinguishable(t *testing.T) {
	f := newFixture(t)

	body := []byte(`{"channel_id":123,"content":"hi"}`)
	ts := strconv.FormatInt(f.now.Unix(), 10)

	build := func(mutate func(*http.Request)) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
		req.Header.Set(TimestampHeader, ts)
		req.Header.Set(SignatureHeader, f.verifier.Sign(ts, body))
		mutate(req)
		return req
	}

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"missing timestamp", build(func(r *http.Request) { r.Header.Del(TimestampHeader) })},
		{"unparsable timestamp", build(func(r *http.Request) { r.Header.Set(TimestampHeader, "not-a-number") })},
		{"missing signature", build(func(r *http.Request) { r.Header.Del(SignatureHeader) })},
		{"wrong signature", build(func(r *http.Request) {
			r.Header.Set(SignatureHeader, "sha256=0000000000000000000000000000000000000000000000000000000000000000")
		})},
		{"malformed scheme", build(func(r *http.Request) {
			r.Header.Set(SignatureHeader, strings.TrimPrefix(r.Header.Get(SignatureHeader), "sha256="))
		})},
	}

	var bodies []string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			bodies = append(bodies, rec.Body.String())
		})
	}

	// Every auth failure must carry the identical response body.
	for i := 1; i < len(bodies); i++ {
		if bodies[i] != bodies[0] {
			t.Fatalf("auth failure bodies differ: %q vs %q", bodies[0], bodies[i])
		}
	}
}

func TestSendMalformedPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing channel_id", `{"content":"hi"}`},
		{"missing content", `{"channel_id":123}`},
		{"empty content", `{"channel_id":123,"content":""}`},
		{"not json", `not json at all`},
		{"channel_id wrong type", `{"channel_id":true,"content":"hi"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(f.signedRequest([]byte(tt.body)))
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSendPlatformFailure(t *testing.T) {
	f := newFixture(t)
	f.sender.EXPECT().SendMessage(gomock.Any(), "123", "hi").
		Return("", assertError("platform down")).Times(1)

	rec := f.do(f.signedRequest([]byte(`{"channel_id":123,"content":"hi"}`)))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestSendOversizedBody(t *testing.T) {
	f := newFixture(t)
	f.server.config.MaxBodySize = 64

	big := append([]byte(`{"channel_id":123,"content":"`), bytes.Repeat([]byte("x"), 128)...)
	big = append(big, []byte(`"}`)...)

	rec := f.do(f.signedRequest(big))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

// assertError is a trivial error type for mock returns.
type assertError string

func (e assertError) Error() string { return string(e) }
