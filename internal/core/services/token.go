package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cgraph/internal/core/domain"
)

// TokenService verifies HS256 bearer tokens issued by the auth service.
// The user id travels in the "sub" claim.
type TokenService struct {
	secretKey []byte
	issuer    string
	ttl       time.Duration
}

var _ domain.Authenticator = (*TokenService)(nil)

func NewTokenService(secret, issuer string) *TokenService {
	return &TokenService{
		secretKey: []byte(secret),
		issuer:    issuer,
		ttl:       24 * time.Hour,
	}
}

// GenerateToken issues a token for userID. Token issuance belongs to the
// auth service; this exists for tooling and tests.
func (s *TokenService) GenerateToken(userID string) (string, error) {
	return s.generate(userID, time.Now(), s.ttl)
}

func (s *TokenService) generate(userID string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// VerifyToken parses and validates tokenStr and returns its subject. Every
// failure is reported as domain.ErrUnauthorized.
func (s *TokenService) VerifyToken(_ context.Context, tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return s.secretKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token expired", domain.ErrUnauthorized)
		}
		return "", fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: subject not found in token", domain.ErrUnauthorized)
	}
	return claims.Subject, nil
}
