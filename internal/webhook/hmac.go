package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is deliberately uninformative.
var errVerification = errors.New("webhook verification failed")

// Sign returns the "sha256=<hex>" HMAC-SHA256 signature of body, the format
// of GitHub's X-Hub-Signature-256.
func Sign(body []byte, secret string) string {
	return "sha256=" + computeSignature(body, secret)
}

// Verify checks an HMAC-SHA256 signature of body in constant time. Both
// "sha256=<hex>" and plain hex are accepted. Every failure returns the same
// error.
func Verify(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}

	actual, err := parseSignature(signature)
	if err != nil {
		return errVerification
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), actual) != 1 {
		return errVerification
	}
	return nil
}

func parseSignature(signature string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
