// Package signature signs and verifies requests exchanged with the crawler
// worker. The signature is "hmac-sha256=" followed by the hex HMAC-SHA256 of
// the unix-seconds timestamp concatenated with the raw body.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header names carried on signed requests.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	Prefix          = "hmac-sha256="

	// DefaultMaxSkew is the replay window applied when none is configured.
	DefaultMaxSkew = 300 * time.Second
)

// Verification failure reasons. Callers facing an untrusted peer should log
// these and respond with a generic message.
var (
	ErrMissingSignature   = errors.New("signature header is missing")
	ErrMalformedSignature = errors.New("signature must start with " + Prefix)
	ErrInvalidTimestamp   = errors.New("Timestamp is not a positive integer")
	ErrTimestampSkew      = errors.New("Timestamp outside the allowed window")
	ErrSignatureMismatch  = errors.New("signature does not match")
)

// Sign returns the signature header value for the timestamp and body.
func Sign(secret []byte, timestamp string, body []byte) string {
	return Prefix + hex.EncodeToString(digest(secret, timestamp, body))
}

// Headers builds the signature and timestamp header values for an outbound request.
func Headers(secret []byte, body []byte, now time.Time) (string, string) {
	ts := strconv.FormatInt(now.Unix(), 10)
	return Sign(secret, ts, body), ts
}

func digest(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return mac.Sum(nil)
}

// Verifier checks signatures against a shared secret and replay window.
type Verifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier builds a Verifier; a non-positive maxSkew falls back to DefaultMaxSkew
// and a nil now uses time.Now.
func NewVerifier(secret []byte, maxSkew time.Duration, now func() time.Time) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		secret:  append([]byte(nil), secret...),
		maxSkew: maxSkew,
		now:     now,
	}
}

// Verify validates the signature header against timestamp and body.
func (v *Verifier) Verify(signature, timestamp string, body []byte) error {
	if strings.TrimSpace(signature) == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(signature, Prefix) {
		return ErrMalformedSignature
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil || ts <= 0 {
		return ErrInvalidTimestamp
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return fmt.Errorf("%w: skew %s exceeds %s", ErrTimestampSkew, skew.Truncate(time.Second), v.maxSkew)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, Prefix))
	if err != nil {
		return ErrSignatureMismatch
	}
	if !hmac.Equal(got, digest(v.secret, timestamp, body)) {
		return ErrSignatureMismatch
	}
	return nil
}
