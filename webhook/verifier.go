package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header names carried on inbound provider deliveries.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderNonce     = "X-Webhook-Nonce"
)

var (
	// ErrBadSignature indicates the HMAC did not match the payload.
	ErrBadSignature = errors.New("webhook: signature mismatch")
	// ErrStaleTimestamp indicates the delivery fell outside the window.
	ErrStaleTimestamp = errors.New("webhook: timestamp outside acceptance window")
	// ErrReplay indicates the nonce was already consumed.
	ErrReplay = errors.New("webhook: replayed delivery")
)

// Verifier authenticates inbound provider webhooks. The signature covers
// the timestamp, the nonce, and the raw body, so none of the three can be
// swapped independently.
type Verifier struct {
	secret []byte
	window time.Duration
	nonces *NonceStore
	now    func() time.Time
}

// NewVerifier constructs a verifier with the shared secret, an acceptance
// window for delivery timestamps, and a persistent nonce store.
func NewVerifier(secret string, window time.Duration, nonces *NonceStore, now func() time.Time) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("webhook: secret is required")
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(secret), window: window, nonces: nonces, now: now}, nil
}

// Verify checks the delivery signature, timestamp freshness, and nonce
// uniqueness. Body is the raw request body exactly as received.
func (v *Verifier) Verify(ctx context.Context, providerName, signature, timestamp, nonce string, body []byte) error {
	signature = strings.TrimSpace(signature)
	timestamp = strings.TrimSpace(timestamp)
	nonce = strings.TrimSpace(nonce)
	if signature == "" || timestamp == "" || nonce == "" {
		return fmt.Errorf("%w: missing headers", ErrBadSignature)
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrStaleTimestamp)
	}
	sent := time.Unix(unix, 0)
	now := v.now()
	if sent.Before(now.Add(-v.window)) || sent.After(now.Add(v.window)) {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)
	provided, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(expected, provided) {
		return ErrBadSignature
	}

	if v.nonces != nil {
		seen, err := v.nonces.Seen(ctx, providerName, timestamp, nonce, now)
		if err != nil {
			return err
		}
		if seen {
			return ErrReplay
		}
	}
	return nil
}

// Sign computes the delivery signature for a payload. Used by tests and by
// providers that share the signing scheme.
func Sign(secret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
