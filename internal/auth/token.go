// Package auth resolves callers of the billing API: end users presenting an
// access token issued by the account service, and operators presenting the
// admin key.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"toeicprep/internal/types"
)

// RoleAdmin in the access token's role claim marks an operator.
const RoleAdmin = "admin"

// TokenConfig holds access token verification settings.
type TokenConfig struct {
	Secret string
	// Issuer is checked against the iss claim when non-empty.
	Issuer string
	// Leeway tolerates clock skew between this service and the issuer.
	Leeway time.Duration
}

// AccessClaims are the claims carried by an access token. The subject is the user id.
type AccessClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// JWTAuthenticator verifies HS256 access tokens.
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator creates a JWTAuthenticator. A nil clock uses the system clock.
func NewJWTAuthenticator(cfg TokenConfig, clock types.Clock) *JWTAuthenticator {
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = 30 * time.Second
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(clock.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &JWTAuthenticator{
		secret: []byte(cfg.Secret),
		parser: jwt.NewParser(opts...),
	}
}

// ResolveToken verifies the token and returns the caller.
//
// Distinct error codes:
//   - auth_token_expired when the signature is valid but exp has passed
//   - auth_token_invalid for anything else, including a missing subject
func (a *JWTAuthenticator) ResolveToken(_ context.Context, token string) (*types.Principal, error) {
	claims := &AccessClaims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "access token has expired", err)
		}
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid access token", err)
	}
	if claims.Subject == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "access token has no subject", nil)
	}
	return &types.Principal{
		UserID:  claims.Subject,
		IsAdmin: claims.Role == RoleAdmin,
	}, nil
}

// SignAccessToken issues an HS256 token for userID. The account service owns
// issuance in production; this is used by local tooling and tests.
func SignAccessToken(secret, issuer, userID, role string, now time.Time, ttl time.Duration) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
