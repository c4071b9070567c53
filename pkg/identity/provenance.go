// Package identity verifies override provenance: the signed assertion that
// a named human authorized resuming past an intervention checkpoint.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidProvenance is returned when an override token fails
// verification for any reason.
var ErrInvalidProvenance = errors.New("identity: invalid override provenance")

// OverrideClaims are the claims carried by an override-provenance token.
// Subject is the overriding operator; Scope restricts the override to one
// scope key when set.
type OverrideClaims struct {
	jwt.RegisteredClaims
	Source string `json:"override_source"`
	Scope  string `json:"scope,omitempty"`
}

// Verifier validates override-provenance tokens. Tokens are HMAC-signed by
// the operator console that issues them.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	clock    func() time.Time
}

// NewVerifier builds a verifier for tokens issued by the given issuer for
// the given audience.
func NewVerifier(secret []byte, issuer, audience string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("identity: empty signing secret")
	}
	return &Verifier{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		clock:    time.Now,
	}, nil
}

func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify parses and validates a provenance token. The returned claims name
// the operator (Subject), the asserting system (Source) and an optional
// scope restriction.
func (v *Verifier) Verify(tokenString string) (*OverrideClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OverrideClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProvenance, err)
	}
	claims, ok := token.Claims.(*OverrideClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidProvenance
	}
	if claims.Subject == "" || claims.Source == "" {
		return nil, fmt.Errorf("%w: missing subject or source", ErrInvalidProvenance)
	}
	return claims, nil
}

// Issue signs an override-provenance token. Operator consoles call this;
// the engine only verifies.
func (v *Verifier) Issue(subject, source, scope string, ttl time.Duration) (string, error) {
	if subject == "" || source == "" {
		return "", errors.New("identity: subject and source are required")
	}
	now := v.clock().UTC()
	claims := OverrideClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Source: source,
		Scope:  scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}
