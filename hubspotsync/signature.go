package hubspotsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// maxTimestampSkew rejects replayed webhook requests.
const maxTimestampSkew = 5 * time.Minute

// VerifySignature checks a HubSpot v3 webhook signature: HMAC-SHA256 over
// method + uri + body + timestamp, base64 encoded. HubSpot computes the uri
// from the app's configured target URL, which may or may not match what the
// edge saw, so both construction variants are tried.
func VerifySignature(secret, signature, timestamp, method, host, requestURI string, body []byte) bool {
	if secret == "" || signature == "" || timestamp == "" {
		return false
	}
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	sent := time.UnixMilli(ms)
	if skew := time.Since(sent); skew > maxTimestampSkew || skew < -maxTimestampSkew {
		return false
	}

	uris := []string{
		"https://" + host + requestURI,
		requestURI,
	}
	for _, uri := range uris {
		base := method + uri + string(body) + timestamp
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(base))
		expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
			return true
		}
	}
	return false
}
