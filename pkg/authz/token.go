package authz

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer   = "helm-treasury/authz"
	tokenAudience = "helm-treasury.admin"
)

// ErrInvalidCapability is returned for tokens that are malformed, expired,
// mis-signed or bound to another treasury.
var ErrInvalidCapability = errors.New("invalid admin capability")

// CapabilityClaims binds a token to one treasury.
type CapabilityClaims struct {
	jwt.RegisteredClaims
	TreasuryID string `json:"treasury_id"`
}

// Issuer mints capability tokens. It belongs to the host, not the
// governance core.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewIssuer creates an HS256 issuer. ttl <= 0 mints tokens without expiry.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: ttl, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// Issue mints a capability for subject over treasuryID.
func (i *Issuer) Issue(treasuryID, subject string) (string, error) {
	now := i.clock().UTC()
	claims := CapabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   tokenIssuer,
			Audience: jwt.ClaimStrings{tokenAudience},
			IssuedAt: jwt.NewNumericDate(now),
		},
		TreasuryID: treasuryID,
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign capability: %w", err)
	}
	return signed, nil
}

// Verifier checks capability tokens.
type Verifier struct {
	secret []byte
	clock  func() time.Time
}

// NewVerifier creates an HS256 verifier.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify parses token and asserts it is bound to treasuryID.
func (v *Verifier) Verify(token, treasuryID string) (Capability, error) {
	claims := &CapabilityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return Capability{}, fmt.Errorf("%w: %v", ErrInvalidCapability, err)
	}
	if !parsed.Valid {
		return Capability{}, ErrInvalidCapability
	}
	if claims.TreasuryID != treasuryID {
		return Capability{}, fmt.Errorf("%w: bound to treasury %q", ErrInvalidCapability, claims.TreasuryID)
	}
	return Capability{TreasuryID: claims.TreasuryID, Subject: claims.Subject}, nil
}
