// Package auth implements the gate every protected request passes through:
// local validation of a bearer credential against the shared signing secret,
// and extraction of the request principal. No network call is made here; the
// identity provider is only consulted by the reflector, never by the gate.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/relaychat/tms/api/domain"
)

// Claims is the shape both the identity provider and the local issuer
// produce. The provider historically put the principal identifier in "id";
// standard tokens use "sub". Both are accepted.
type Claims struct {
	ID          string `json:"id,omitempty"`
	Email       string `json:"email,omitempty"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) principalID() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.ID
}

type Gate struct {
	secret    []byte
	rsaPublic *rsa.PublicKey
	issuerTTL time.Duration
}

type Option func(*Gate)

// WithRSAPublicKey enables RS256 verification in addition to the HMAC
// secret.
func WithRSAPublicKey(key *rsa.PublicKey) Option {
	return func(g *Gate) { g.rsaPublic = key }
}

func NewGate(secret string, issuerTTL time.Duration, opts ...Option) *Gate {
	g := &Gate{secret: []byte(secret), issuerTTL: issuerTTL}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate parses an Authorization header value and returns the principal.
// Signature and expiry failures come back as TokenRejected; a token whose
// principal identifier is missing is MalformedToken, also a 401.
func (g *Gate) Validate(authorization string) (*domain.Principal, error) {
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || token == "" {
		return nil, domain.TokenRejected("missing bearer token")
	}
	return g.ValidateToken(token)
}

// ValidateToken verifies a raw token string. Accepted algorithms: HS256,
// HS512, and RS256 when a public key is configured.
func (g *Gate) ValidateToken(tokenString string) (*domain.Principal, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, g.keyFunc,
		jwt.WithValidMethods([]string{"HS256", "HS512", "RS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.TokenRejected("token expired")
		}
		return nil, domain.TokenRejected("invalid token signature")
	}
	if !parsed.Valid {
		return nil, domain.TokenRejected("invalid token")
	}

	userID := claims.principalID()
	if userID == "" {
		return nil, domain.TokenRejected("token has no subject")
	}

	p := &domain.Principal{
		UserID:      userID,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
	}
	if p.DisplayName == "" {
		p.DisplayName = claims.Name
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// TokenTTL is the lifetime of locally issued tokens.
func (g *Gate) TokenTTL() time.Duration { return g.issuerTTL }

func (g *Gate) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		return g.secret, nil
	case *jwt.SigningMethodRSA:
		if g.rsaPublic == nil {
			return nil, fmt.Errorf("RS256 token but no public key configured")
		}
		return g.rsaPublic, nil
	}
	return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
}

// Issue mints a local HS256 token for a principal after the single-use
// exchange. The gate validates what it issues: same secret, same claims
// shape.
func (g *Gate) Issue(p *domain.Principal, now time.Time) (string, error) {
	claims := &Claims{
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Role:        p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.issuerTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
