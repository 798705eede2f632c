package signature

import (
	"strings"
	"testing"
)

func TestVerify(t *testing.T) {
	t.Parallel()

	secret := "correct-horse-battery"
	body := []byte(`{"channel_id":123,"content":"hi"}`)
	ts := "1700000000"

	v, err := New(secret, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	valid := v.Sign(ts, body)

	tests := []struct {
		name      string
		timestamp string
		body      []byte
		provided  string
		want      bool
	}{
		{
			name:      "valid signature",
			timestamp: ts,
			body:      body,
			provided:  valid,
			want:      true,
		},
		{
			name:      "tampered body",
			timestamp: ts,
			body:      []byte(`{"channel_id":123,"content":"hI"}`),
			provided:  valid,
			want:      false,
		},
		{
			name:      "different timestamp",
			timestamp: "1700000001",
			body:      body,
			provided:  valid,
			want:      false,
		},
		{
			name:      "missing scheme prefix",
			timestamp: ts,
			body:      body,
			provided:  strings.TrimPrefix(valid, Prefix),
			want:      false,
		},
		{
			name:      "wrong scheme prefix",
			timestamp: ts,
			body:      body,
			provided:  "sha512=" + strings.TrimPrefix(valid, Prefix),
			want:      false,
		},
		{
			name:      "non-hex digest",
			timestamp: ts,
			body:      body,
			provided:  "sha256=not-valid-hex",
			want:      false,
		},
		{
			name:      "truncated digest",
			timestamp: ts,
			body:      body,
			provided:  valid[:len(valid)-2],
			want:      false,
		},
		{
			name:      "empty signature",
			timestamp: ts,
			body:      body,
			provided:  "",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.Verify(tt.timestamp, tt.body, tt.provided); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifySingleByteFlip(t *testing.T) {
	t.Parallel()

	v, err := New("correct-horse-battery", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := "1700000000"
	body := []byte(`{"channel_id":"42","content":"payload"}`)
	sig := v.Sign(ts, body)

	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		if v.Verify(ts, mutated, sig) {
			t.Fatalf("signature accepted after flipping byte %d", i)
		}
	}
}

func TestVerifyRotation(t *testing.T) {
	t.Parallel()

	oldSecret := "previous-shared-secret"
	newSecret := "current-shared-secret"

	ts := "1700000000"
	body := []byte(`{"channel_id":"1","content":"x"}`)

	oldSigner, err := New(oldSecret, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	oldSig := oldSigner.Sign(ts, body)

	// Both secrets configured: requests signed with either are accepted.
	rotating, err := New(newSecret, oldSecret)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !rotating.Verify(ts, body, oldSig) {
		t.Error("signature under previous secret rejected during rotation")
	}
	if !rotating.Verify(ts, body, rotating.Sign(ts, body)) {
		t.Error("signature under current secret rejected during rotation")
	}

	// Rotation complete: the previous secret no longer verifies.
	current, err := New(newSecret, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if current.Verify(ts, body, oldSig) {
		t.Error("signature under retired secret still accepted")
	}
}

func TestNewRequiresSecret(t *testing.T) {
	t.Parallel()

	if _, err := New("", ""); err == nil {
		t.Fatal("New with empty secret should fail")
	}
}

func TestSignFormat(t *testing.T) {
	t.Parallel()

	v, err := New("correct-horse-battery", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sig := v.Sign("1700000000", []byte("body"))
	if !strings.HasPrefix(sig, Prefix) {
		t.Errorf("Sign() = %q, want %q prefix", sig, Prefix)
	}
	if len(sig) != len(Prefix)+64 { // SHA256 = 32 bytes = 64 hex chars
		t.Errorf("signature length = %d, want %d", len(sig), len(Prefix)+64)
	}
}
