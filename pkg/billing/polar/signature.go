package polar

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks an HMAC-SHA256 webhook signature against the raw
// request body. The signature header may carry an optional "sha256=" prefix;
// comparison is constant-time.
func VerifySignature(body []byte, signature string, secret []byte) bool {
	if signature == "" || len(secret) == 0 {
		return false
	}

	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	return hmac.Equal(provided, expected)
}

// SignBody computes the hex-encoded HMAC-SHA256 signature for a body. Used
// by tests and by tooling that replays captured events.
func SignBody(body []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
