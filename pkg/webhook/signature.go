package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Sign returns the signature header value for body signed at ts. Clients
// triggering a run send it with ts in TimestampHeader.
func Sign(body []byte, secret string, ts time.Time) string {
	return computeHMACSHA256(signedPayload(strconv.FormatInt(ts.Unix(), 10), body), secret)
}

// verifySignature checks signature against the timestamp and body, and
// rejects timestamps further than maxAge from now.
func verifySignature(body []byte, timestamp, signature, secret string, now time.Time, maxAge time.Duration) error {
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q", timestamp)
	}
	skew := now.Sub(time.Unix(sec, 0))
	if skew > maxAge || skew < -maxAge {
		return fmt.Errorf("timestamp outside the accepted window")
	}

	expected := computeHMACSHA256(signedPayload(timestamp, body), secret)

	// Timing-safe comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func signedPayload(timestamp string, body []byte) []byte {
	payload := make([]byte, 0, len(timestamp)+1+len(body))
	payload = append(payload, timestamp...)
	payload = append(payload, '.')
	return append(payload, body...)
}

// computeHMACSHA256 computes HMAC-SHA256 signature
func computeHMACSHA256(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(h.Sum(nil)))
}
