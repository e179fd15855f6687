package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrSigningSecretUnset is returned by WebhookVerifier.Verify when no
// secret is configured. Callers must reject fail-closed on this error:
// an unconfigured secret rejects every request.
var ErrSigningSecretUnset = fmt.Errorf("security: signing secret not configured, rejecting fail-closed")

// ErrReplay is returned when the request timestamp is outside the
// allowed window, guarding against signature replay.
var ErrReplay = fmt.Errorf("security: request timestamp outside replay window")

// ErrBadSignature is returned when the recomputed signature does not
// match, or the signature/timestamp headers are malformed.
var ErrBadSignature = fmt.Errorf("security: signature verification failed")

// WebhookVerifier verifies Slack-style "v0=" signed interactive payloads:
// signature = HMAC_SHA256(secret, "v0:" + timestamp + ":" + body).
type WebhookVerifier struct {
	secret       string
	replayWindow time.Duration
	now          func() time.Time
}

// NewWebhookVerifier builds a verifier. An empty secret is accepted here
// deliberately: Verify will then always fail closed, rejecting every
// request rather than panicking at startup.
func NewWebhookVerifier(secret string, replayWindow time.Duration) *WebhookVerifier {
	if replayWindow <= 0 {
		replayWindow = 300 * time.Second
	}
	return &WebhookVerifier{secret: secret, replayWindow: replayWindow, now: time.Now}
}

// Verify checks timestampHeader and signatureHeader against body.
func (v *WebhookVerifier) Verify(timestampHeader, signatureHeader string, body []byte) error {
	if v.secret == "" {
		return ErrSigningSecretUnset
	}

	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrBadSignature)
	}
	age := v.now().UTC().Sub(time.Unix(ts, 0).UTC())
	if age < 0 {
		age = -age
	}
	if age > v.replayWindow {
		return ErrReplay
	}

	sig := strings.TrimPrefix(signatureHeader, "v0=")
	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write([]byte("v0:" + timestampHeader + ":"))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return ErrBadSignature
	}
	return nil
}
