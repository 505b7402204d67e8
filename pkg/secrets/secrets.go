// Package secrets generates opaque random token material.
package secrets

import (
	"crypto/rand"
	"encoding/base64"

	dErrors "xerolink/pkg/domain-errors"
)

// Generate creates a cryptographically secure random secret.
// Returns a base64-encoded string suitable for OAuth state tokens and
// session identifiers.
func Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "could not generate secret")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
