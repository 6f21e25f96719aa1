package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader is the HTTP header carrying the HMAC signature of the
// request body. The value is either a raw hex digest or one prefixed
// with "sha256=".
const SignatureHeader = "X-Webhook-Signature"

// VerifySignature reports whether signature is a valid HMAC-SHA256 of
// body under secret. It is a pure predicate with no side effects.
//
// An empty secret disables verification entirely and every delivery is
// accepted, including unsigned ones. Callers are expected to flag this
// mode at startup; it exists for development setups only.
//
// With a secret configured, a missing signature is rejected. The
// comparison is constant time and a digest of the wrong length is a
// plain reject, never an error.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}

	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	expected := hex.EncodeToString(mac.Sum(nil))
	got := strings.TrimPrefix(signature, "sha256=")

	return hmac.Equal([]byte(got), []byte(expected))
}
