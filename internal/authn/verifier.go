// Package authn provides the TokenVerifier the Supervisor consults on an
// `authenticate` frame. The core never issues tokens and never sees a
// signing secret beyond what it needs to verify one; token issuance, MFA,
// and OAuth flows are explicitly out of scope (SPEC_FULL.md §1 Out of scope).
// Grounded on the teacher's sibling go-server/internal/auth package, pared
// down to verification only.
package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/odinstream/fanout/internal/registry"
)

// Identity is what a successful Verify call yields: enough to attach a
// session to a connection via ConnectionRegistry.AttachUser.
type Identity struct {
	UserID      string
	Role        registry.Role
	Permissions []string
	ExpiresAt   time.Time
}

// TokenVerifier maps an opaque bearer token to an Identity. The Supervisor
// is the only caller; ctx carries the configurable auth-timeout.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims is the JWT payload shape the default verifier expects, matching
// the teacher's go-server/internal/auth.Claims field names.
type Claims struct {
	UserID      string   `json:"userId"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256-signed JWTs issued elsewhere. It has no
// Generate method reachable from the core's API surface; NewTestToken below
// exists solely to build fixtures for this package's own tests.
type JWTVerifier struct {
	secretKey []byte
}

// NewJWTVerifier builds a verifier bound to secretKey.
func NewJWTVerifier(secretKey string) *JWTVerifier {
	return &JWTVerifier{secretKey: []byte(secretKey)}
}

// Verify parses and validates tokenString, returning the resulting Identity.
// ctx's deadline is honored as a soft upper bound on parse time; jwt/v5
// parsing is CPU-bound and synchronous, so ctx is mostly forwarded for
// symmetry with verifiers that call out to a remote identity provider.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (Identity, error) {
	select {
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	default:
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secretKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return Identity{}, errors.New("token failed validation")
	}

	role := registry.Role(claims.Role)
	if role == "" {
		role = registry.RoleUser
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return Identity{
		UserID:      claims.UserID,
		Role:        role,
		Permissions: claims.Permissions,
		ExpiresAt:   expiresAt,
	}, nil
}

// NewTestToken signs a token for verifier fixtures. Not part of the core's
// own API surface — issuance lives with whatever external system mints
// tokens for real users.
func (v *JWTVerifier) NewTestToken(userID string, role registry.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}
