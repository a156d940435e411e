package connect

import (
	"fmt"
	"time"

	"github.com/crosspostd/crosspost/internal/transfer"
	"github.com/crosspostd/crosspost/pkg/utils"
	"github.com/golang-jwt/jwt/v5"
)

// newState issues a signed CSRF state value bound to the connecting user,
// valid for stateTTL.
func newState(secretKey string, userID int64) (string, error) {
	nonce, err := utils.GenerateRandomKey(16)
	if err != nil {
		return "", err
	}

	claims := transfer.StateClaims{
		UserID: fmt.Sprintf("%d", userID),
		Nonce:  nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(stateTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "crosspost",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secretKey))
}

// verifyState checks the signature, expiry, and user binding of a returned
// state value. Any failure collapses to ErrInvalidState so callers cannot
// distinguish tampering from expiry.
func verifyState(secretKey string, userID int64, state string) error {
	token, err := jwt.ParseWithClaims(state, &transfer.StateClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidState
		}
		return []byte(secretKey), nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidState
	}

	claims, ok := token.Claims.(*transfer.StateClaims)
	if !ok || claims.UserID != fmt.Sprintf("%d", userID) {
		return ErrInvalidState
	}

	return nil
}
