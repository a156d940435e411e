package models

import (
	"database/sql"
	"time"
)

const (
	ProviderFacebook  = "facebook"
	ProviderInstagram = "instagram"
	ProviderTwitter   = "twitter"
	ProviderTiktok    = "tiktok"
)

const (
	AccountStatusPending = "pending"
	AccountStatusActive  = "active"
	AccountStatusExpired = "expired"
	AccountStatusRevoked = "revoked"
)

// PendingAccountTTL bounds how long a Twitter request-token handshake may
// stay open before the pending row is treated as dead.
const PendingAccountTTL = 10 * time.Minute

func IsValidProvider(p string) bool {
	switch p {
	case ProviderFacebook, ProviderInstagram, ProviderTwitter, ProviderTiktok:
		return true
	default:
		return false
	}
}

// ConnectedAccount links a local user to one external provider account.
// Token fields hold AES-GCM ciphertext, never plaintext.
type ConnectedAccount struct {
	ID              int64          `db:"id" json:"id"`
	UserID          int64          `db:"user_id" json:"user_id"`
	Provider        string         `db:"provider" json:"provider"`
	AccountID       string         `db:"account_id" json:"account_id"`
	AccountName     string         `db:"account_name" json:"account_name"`
	AccountUsername string         `db:"account_username" json:"account_username"`
	ProfilePicture  string         `db:"profile_picture_url" json:"profile_picture"`
	AccessToken     string         `db:"access_token" json:"-"`
	RefreshToken    string         `db:"refresh_token" json:"-"`
	TokenSecret     string         `db:"token_secret" json:"-"`
	TokenExpiresAt  sql.NullTime   `db:"token_expires_at" json:"token_expires_at"`
	Status          string         `db:"status" json:"status"`
	FollowerCount   int            `db:"follower_count" json:"follower_count"`
	PostCount       int            `db:"post_count" json:"post_count"`
	LastErrorAt     sql.NullTime   `db:"last_error_at" json:"last_error_at"`
	LastError       sql.NullString `db:"last_error" json:"last_error"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}
