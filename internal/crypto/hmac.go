package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// Header names carried by HMAC-authenticated feed pushes.
const (
	HeaderFeedTimestamp = "X-Feed-Timestamp"
	HeaderFeedSignature = "X-Feed-Signature"
)

// HMACAuth authenticates price pushes from an external feed. The signature
// is HMAC-SHA256(secret, timestamp+method+path+body) encoded as base64.
type HMACAuth struct {
	Secret  string
	MaxSkew time.Duration
}

// Headers returns the headers a feed client attaches to a push made at
// unixTS.
func (h *HMACAuth) Headers(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderFeedTimestamp: ts,
		HeaderFeedSignature: hmacSHA256Base64([]byte(h.Secret), ts+method+path+body),
	}
}

// Verify checks a pushed request's timestamp and signature headers.
func (h *HMACAuth) Verify(method, path, body, tsHeader, sigHeader string, now time.Time) error {
	if h.Secret == "" {
		return fmt.Errorf("crypto/hmac: no feed secret configured: %w", domain.ErrUnauthorized)
	}
	unixTS, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto/hmac: bad timestamp %q: %w", tsHeader, domain.ErrUnauthorized)
	}
	if d := now.Sub(time.Unix(unixTS, 0)); h.MaxSkew > 0 && (d > h.MaxSkew || d < -h.MaxSkew) {
		return fmt.Errorf("crypto/hmac: timestamp skew %s: %w", d, domain.ErrUnauthorized)
	}

	want := hmacSHA256Base64([]byte(h.Secret), tsHeader+method+path+body)
	if !hmac.Equal([]byte(want), []byte(sigHeader)) {
		return fmt.Errorf("crypto/hmac: signature mismatch: %w", domain.ErrUnauthorized)
	}
	return nil
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	secret := "****"
	if len(h.Secret) > 4 {
		secret = h.Secret[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{secret=%s, max_skew=%s}", secret, h.MaxSkew)
}
