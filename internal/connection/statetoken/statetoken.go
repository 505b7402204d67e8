// Package statetoken issues and verifies the anti-CSRF state token carried
// through the OAuth authorization redirect. A token is bound to one session
// and one authorization attempt; it is held for the duration of the attempt
// only and cleared on success or failure.
package statetoken

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "xerolink/pkg/domain-errors"
)

const defaultTTL = 10 * time.Minute

// Issuer signs and verifies state tokens with an HMAC key.
type Issuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL sets the token lifetime. Defaults to 10 minutes.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock injects a clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// New creates an Issuer with the given signing key.
func New(key string, opts ...Option) *Issuer {
	i := &Issuer{
		key: []byte(key),
		ttl: defaultTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

type claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Issue creates a signed state token bound to the given session.
func (i *Issuer) Issue(sessionID string) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	})
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "could not sign state token")
	}
	return signed, nil
}

// Verify checks the token's signature, expiry, and session binding.
// Any failure is an invalid_state error: the caller treats a bad token the
// same as a mismatched one.
func (i *Issuer) Verify(token, sessionID string) error {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, dErrors.New(dErrors.CodeInvalidState, "unexpected signing method")
		}
		return i.key, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil || !parsed.Valid {
		return dErrors.New(dErrors.CodeInvalidState, "state mismatch")
	}
	if c.SessionID != sessionID {
		return dErrors.New(dErrors.CodeInvalidState, "state mismatch")
	}
	return nil
}
