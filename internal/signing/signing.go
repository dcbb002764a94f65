// Package signing implements the HMAC helpers used for record idempotency
// keys and export snapshot signatures.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// IdempotencyKey derives the record-creation key for a queue entry. The key
// only depends on the entry's identity, so every retry of the same entry
// presents the same key to the remote store.
func (s *Signer) IdempotencyKey(submissionID, capturedAt int64) string {
	return s.sign([]byte(fmt.Sprintf("luminaria:%d:%d", submissionID, capturedAt)))
}

// Sign returns the hex signature for an arbitrary document.
func (s *Signer) Sign(data []byte) string {
	return s.sign(data)
}

// Validate compares the provided signature with the expected one in
// constant time.
func (s *Signer) Validate(data []byte, signature string) bool {
	expected := s.sign(data)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *Signer) sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
