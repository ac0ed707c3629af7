// Package signature authenticates inbound webhook payloads.
package signature

import (
	"strings"

	"github.com/google/go-github/v65/github"
)

const prefix = "sha256="

// Verifier checks X-Hub-Signature-256 digests against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier for secret.  An empty secret disables
// verification entirely; callers are expected to warn about that.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether a shared secret is configured.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify reports whether signature is the HMAC-SHA256 of body under the
// configured secret, formatted as "sha256=<hex>".  The digest comparison is
// constant-time.  Malformed signatures are a verification failure.
func (v *Verifier) Verify(body []byte, signature string) bool {
	if !v.Enabled() {
		return true
	}
	if signature == "" || !strings.HasPrefix(signature, prefix) {
		return false
	}
	return github.ValidateSignature(signature, body, v.secret) == nil
}
