// Package token mints and parses signed access tokens. The service is a pure
// function of its inputs apart from reading the clock for the issued-at
// claim; all state needed to honor a token lives in the token itself.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tokensmith/tokensmith/identity"
)

// Registered claim names collide with the identity claim namespace; minting
// skips these so a caller-supplied claim cannot override token integrity
// fields.
var reservedClaims = map[string]bool{
	"iss": true,
	"aud": true,
	"exp": true,
	"iat": true,
	"nbf": true,
	"jti": true,
}

// Service signs and serializes access tokens for a configured issuer.
type Service struct {
	issuer string
	now    func() time.Time
}

// NewService creates a token service issuing under the given issuer name.
func NewService(issuer string) *Service {
	return &Service{
		issuer: issuer,
		now:    time.Now,
	}
}

// CreateAccessToken signs a compact token binding the claim set, audience,
// issuer, issued-at, and expiry (issued-at + lifetime) with the
// application's symmetric signing key (HS256). Duplicate claim types keep
// the first value; reserved registered claims in the input are ignored.
func (s *Service) CreateAccessToken(claims identity.Identity, audience string, lifetime time.Duration, signingKey []byte) (string, error) {
	if len(signingKey) == 0 {
		return "", errors.New("signing key is required")
	}
	if lifetime <= 0 {
		return "", errors.New("token lifetime must be positive")
	}

	now := s.now()

	payload := jwt.MapClaims{
		"iss": s.issuer,
		"aud": audience,
		"iat": jwt.NewNumericDate(now),
		"nbf": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(lifetime)),
		"jti": uuid.NewString(),
	}

	for _, c := range claims {
		if reservedClaims[c.Type] {
			continue
		}
		if _, taken := payload[c.Type]; taken {
			continue
		}
		payload[c.Type] = c.Value
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, payload).SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken verifies signature, issuer, audience, and expiry of a
// token minted by CreateAccessToken and returns its claim set. Registered
// claims are excluded from the returned identity.
func (s *Service) ParseAccessToken(tokenString, audience string, signingKey []byte) (identity.Identity, error) {
	parsed, err := jwt.Parse(tokenString,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return signingKey, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid access token: unexpected claims type")
	}

	var out identity.Identity
	for name, value := range mapClaims {
		if reservedClaims[name] {
			continue
		}
		if str, ok := value.(string); ok {
			out = append(out, identity.Claim{Type: name, Value: str})
		}
	}
	return out, nil
}

// Expiry extracts the expiration time of a minted token without verifying
// anything beyond the signature.
func (s *Service) Expiry(tokenString string, signingKey []byte) (time.Time, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return signingKey, nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid access token: %w", err)
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.New("access token has no expiry")
	}
	return exp.Time, nil
}
