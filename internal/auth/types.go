// Package auth issues and verifies operator bearer tokens for the gateway's
// manual control endpoints (circuit breaker, quarantine, order entry).
package auth

import "time"

// RoleOperator is the role carried by tokens issued to configured operators
const RoleOperator = "operator"

// OperatorClaims is the identity carried in an access token
type OperatorClaims struct {
	Operator string `json:"operator"`
	Role     string `json:"role"`
}

// TokenRequest exchanges an operator API key for an access token
type TokenRequest struct {
	Operator string `json:"operator" binding:"required"`
	APIKey   string `json:"api_key" binding:"required"`
}

// TokenResponse is returned by the token endpoint
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Error types for authentication
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid operator or api key"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden          = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
	ErrNotConfigured      = AuthError{Code: "AUTH_NOT_CONFIGURED", Message: "operator authentication is not configured"}
)
