package transfer

import "github.com/golang-jwt/jwt/v5"

type CustomClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// StateClaims bind an OAuth CSRF state value to the user who started the
// connect flow. The nonce must round-trip unchanged through the provider.
type StateClaims struct {
	UserID string `json:"user_id"`
	Nonce  string `json:"nonce"`
	jwt.RegisteredClaims
}
