// Package security implements the orchestrator's two trust boundaries:
// signed callback tokens that authenticate an external response to one
// specific approval, and fail-closed verification of inbound
// chat-platform webhook signatures.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	tokenRandomBytes = 16
	tokenHMACHexLen  = 16
)

// TokenSigner mints and verifies callback tokens bound to an approval id
// with HMAC_SHA256 under a shared secret. Format:
// APPROVAL_UUID:RANDOM_URLSAFE16:HMAC16, where HMAC16 is the first 16 hex
// characters of HMAC_SHA256(secret, approvalID+":"+random).
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner builds a signer from SECRET_KEY-style secret bytes.
func NewTokenSigner(secret string) *TokenSigner {
	return &TokenSigner{secret: []byte(secret)}
}

// Generate mints a fresh token for approvalID.
func (s *TokenSigner) Generate(approvalID string) (string, error) {
	raw := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("security: generate random: %w", err)
	}
	random := base64.RawURLEncoding.EncodeToString(raw)
	sig := s.sign(approvalID, random)
	return strings.Join([]string{approvalID, random, sig}, ":"), nil
}

// Verify parses token and checks the HMAC in constant time, returning the
// approval id on success. Tampering any of the three parts fails it.
func (s *TokenSigner) Verify(token string) (approvalID string, ok bool) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return "", false
	}
	id, random, sig := parts[0], parts[1], parts[2]
	if id == "" || random == "" || len(sig) != tokenHMACHexLen {
		return "", false
	}
	expected := s.sign(id, random)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return "", false
	}
	return id, true
}

func (s *TokenSigner) sign(approvalID, random string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(approvalID + ":" + random))
	full := hex.EncodeToString(mac.Sum(nil))
	return full[:tokenHMACHexLen]
}
