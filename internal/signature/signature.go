// Package signature implements the HMAC scheme that authenticates inbound
// /send requests.
//
// A request is signed as HMAC-SHA256(secret, timestamp + "." + body) and
// carried as "sha256=<hex>" in the signature header. Binding the timestamp
// into the digest means a captured signature cannot be re-dated, and the
// dispatcher's freshness check bounds how long a capture stays usable.
//
// The verifier holds one current secret and optionally one previous secret so
// keys can rotate without dropping in-flight senders. Comparison is
// constant-time (crypto/subtle) to prevent timing attacks.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Prefix tags the signature scheme in the header value.
const Prefix = "sha256="

// Verifier validates request signatures against the configured shared
// secrets. Immutable after construction; safe for concurrent use.
type Verifier struct {
	secrets [][]byte
}

// New creates a Verifier for the current secret, plus the previous secret
// when rotation is in progress. previous may be empty.
func New(current, previous string) (*Verifier, error) {
	if current == "" {
		return nil, fmt.Errorf("shared secret is empty")
	}

	secrets := [][]byte{[]byte(current)}
	if previous != "" {
		secrets = append(secrets, []byte(previous))
	}
	return &Verifier{secrets: secrets}, nil
}

// Verify reports whether provided is a valid signature over (timestamp, body)
// under any configured secret. A malformed scheme prefix or non-hex digest is
// rejected without any HMAC comparison. Timestamp freshness is the caller's
// responsibility.
func (v *Verifier) Verify(timestamp string, body []byte, provided string) bool {
	if !strings.HasPrefix(provided, Prefix) {
		return false
	}

	digest, err := hex.DecodeString(strings.TrimPrefix(provided, Prefix))
	if err != nil || len(digest) != sha256.Size {
		return false
	}

	for _, secret := range v.secrets {
		expected := compute(secret, timestamp, body)
		if subtle.ConstantTimeCompare(expected, digest) == 1 {
			return true
		}
	}
	return false
}

// Sign produces the canonical signature header value for (timestamp, body)
// under the current secret. Used by the sign CLI helper and by tests.
func (v *Verifier) Sign(timestamp string, body []byte) string {
	return Prefix + hex.EncodeToString(compute(v.secrets[0], timestamp, body))
}

func compute(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
