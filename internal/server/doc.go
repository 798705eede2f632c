// Package server implements the signed inbound /send endpoint.
//
// External systems post messages back into chat through this server. Every
// request must carry a timestamped HMAC-SHA256 signature; verified requests
// are de-duplicated by a sliding-window replay guard before the platform send
// runs, so a distinct signed request produces at most one message.
//
// # Security Model
//
// - Signature: HMAC-SHA256 over "timestamp.body", constant-time comparison
// - Timestamp freshness: +/- 300s, bounding replay exposure either direction
// - Replay guard: a signature is accepted once per window, check-and-insert
//   is atomic (no TOCTOU between verification and recording)
// - All auth failures answer an identical 401; the caller cannot tell a bad
//   signature from a stale timestamp from a replay
// - Body size limits enforced before any signature work
//
// # Request Flow
//
//  1. POST /send arrives with X-Relay-Timestamp and X-Relay-Signature
//  2. Body size checked (413 if too large)
//  3. Timestamp parsed and freshness checked (401)
//  4. HMAC verified against current and previous secrets (401)
//  5. Signature admitted into the replay guard (401 on duplicate)
//  6. Payload validated: channel_id (string or integer), non-empty content
//     (422 naming the offending field)
//  7. Platform send; 502 on upstream failure, 200 with the message id on
//     success
//
// GET / answers 200 unconditionally for deployment health probes.
package server
