// Package signer implements the HMAC-SHA384 request/response signing scheme
// used by the SimplePay API. Signatures are computed over the literal bytes
// that travel on the wire; callers must never re-serialize a payload before
// signing or verifying it.
package signer

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
)

// Signer signs and verifies payloads with a merchant secret key.
type Signer struct {
	secretKey []byte
}

// New creates a signer for the given merchant secret key.
func New(secretKey string) *Signer {
	return &Signer{secretKey: []byte(secretKey)}
}

// Sign returns the base64-encoded HMAC-SHA384 of the payload bytes.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha512.New384, s.secretKey)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the payload. The comparison is
// constant-time. An empty secret key always fails verification.
func (s *Signer) Verify(payload []byte, signature string) bool {
	if len(s.secretKey) == 0 || signature == "" {
		return false
	}

	expected, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha512.New384, s.secretKey)
	mac.Write(payload)

	return hmac.Equal(mac.Sum(nil), expected)
}
