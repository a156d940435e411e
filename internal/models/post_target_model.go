package models

import (
	"database/sql"
	"time"
)

const (
	TargetStatusPending   = "pending"
	TargetStatusPublished = "published"
	TargetStatusFailed    = "failed"
)

// PostTarget is one attempt to publish one post to one connected account.
// It is written to a terminal status exactly once and never regresses
// from published.
type PostTarget struct {
	ID              int64          `db:"id" json:"id"`
	PostID          int64          `db:"post_id" json:"post_id"`
	AccountID       int64          `db:"account_id" json:"account_id"`
	Status          string         `db:"status" json:"status"`
	ExternalPostURL sql.NullString `db:"external_post_url" json:"external_post_url"`
	PublishedAt     sql.NullTime   `db:"published_at" json:"published_at"`
	ErrorMessage    sql.NullString `db:"error_message" json:"error_message"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}
