package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultIssuer = "collection-gateway"

// sessionClaims subject 為 email，jti 為 session ID
type sessionClaims struct {
	jwt.RegisteredClaims
}

// TokenIssuer HS256 session token
type TokenIssuer struct {
	secret []byte
	issuer string
}

// NewTokenIssuer 創建 token 簽發器
func NewTokenIssuer(secret, issuer string) *TokenIssuer {
	if issuer == "" {
		issuer = defaultIssuer
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer}
}

// Issue 為 session 簽發 token
func (t *TokenIssuer) Issue(s *Session) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID,
			Subject:   s.Email,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(s.Start),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse 驗證 token 並回傳 session ID
func (t *TokenIssuer) Parse(token string, now time.Time) (string, error) {
	if token == "" {
		return "", ErrTokenRequired
	}

	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrSessionExpired
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}

	if claims.ID == "" {
		return "", ErrSessionNotFound
	}
	return claims.ID, nil
}
