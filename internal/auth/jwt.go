package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer   = "execution-gateway"
	tokenAudience = "execution-gateway-api"
)

// JWTManager handles JWT token operations
type JWTManager struct {
	secret   []byte
	duration time.Duration
	now      func() time.Time
}

// Claims represents the JWT claims
type Claims struct {
	OperatorClaims
	jwt.RegisteredClaims
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secret string, duration time.Duration) *JWTManager {
	if duration <= 0 {
		duration = time.Hour
	}
	return &JWTManager{
		secret:   []byte(secret),
		duration: duration,
		now:      time.Now,
	}
}

// Duration returns the lifetime of issued tokens
func (m *JWTManager) Duration() time.Duration {
	return m.duration
}

// GenerateAccessToken signs a token for claims and returns it with its expiry
func (m *JWTManager) GenerateAccessToken(claims OperatorClaims) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, ErrNotConfigured
	}
	now := m.now()
	expiresAt := now.Add(m.duration)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		OperatorClaims: claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Audience:  []string{tokenAudience},
		},
	})

	signedToken, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, expiresAt, nil
}

// ValidateAccessToken validates an access token and returns the claims
func (m *JWTManager) ValidateAccessToken(tokenString string) (*OperatorClaims, error) {
	if len(m.secret) == 0 {
		return nil, ErrNotConfigured
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Operator == "" {
		return nil, ErrInvalidToken
	}

	return &claims.OperatorClaims, nil
}
