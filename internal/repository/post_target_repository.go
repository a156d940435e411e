package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/crosspostd/crosspost/internal/models"
)

type PostTargetRepository interface {
	Create(ctx context.Context, tx *sql.Tx, pt *models.PostTarget) (int64, error)
	ListByPostID(ctx context.Context, postID int64) ([]*models.PostTarget, error)
	MarkPublished(ctx context.Context, id int64, externalURL string, publishedAt time.Time) error
	MarkFailed(ctx context.Context, id int64, errorMessage string) error
	CountPublished(ctx context.Context, postID int64) (int, error)
}

type postTargetRepository struct {
	db *sql.DB
}

func NewPostTargetRepository(db *sql.DB) PostTargetRepository {
	return &postTargetRepository{db: db}
}

func (r *postTargetRepository) Create(ctx context.Context, tx *sql.Tx, pt *models.PostTarget) (int64, error) {
	var id int64
	var err error

	query := `
		INSERT INTO post_targets (post_id, account_id, status)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	if tx != nil {
		err = tx.QueryRowContext(ctx, query, pt.PostID, pt.AccountID, models.TargetStatusPending).Scan(&id)
	} else {
		err = r.db.QueryRowContext(ctx, query, pt.PostID, pt.AccountID, models.TargetStatusPending).Scan(&id)
	}

	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	return id, nil
}

func (r *postTargetRepository) ListByPostID(ctx context.Context, postID int64) ([]*models.PostTarget, error) {
	query := `
		SELECT id, post_id, account_id, status, external_post_url, published_at, error_message, created_at, updated_at
		FROM post_targets
		WHERE post_id = $1
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, postID)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var targets []*models.PostTarget
	for rows.Next() {
		var pt models.PostTarget
		err := rows.Scan(&pt.ID, &pt.PostID, &pt.AccountID, &pt.Status, &pt.ExternalPostURL,
			&pt.PublishedAt, &pt.ErrorMessage, &pt.CreatedAt, &pt.UpdatedAt)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		targets = append(targets, &pt)
	}
	return targets, rows.Err()
}

// MarkPublished moves a pending target to its terminal published state. The
// status guard keeps a target from being written twice or regressing.
func (r *postTargetRepository) MarkPublished(ctx context.Context, id int64, externalURL string, publishedAt time.Time) error {
	query := `
		UPDATE post_targets
		SET status = $2,
			external_post_url = NULLIF($3, ''),
			published_at = $4,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = $5
	`
	_, err := r.db.ExecContext(ctx, query, id, models.TargetStatusPublished, externalURL, publishedAt, models.TargetStatusPending)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *postTargetRepository) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	query := `
		UPDATE post_targets
		SET status = $2,
			error_message = NULLIF($3, ''),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = $4
	`
	_, err := r.db.ExecContext(ctx, query, id, models.TargetStatusFailed, errorMessage, models.TargetStatusPending)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *postTargetRepository) CountPublished(ctx context.Context, postID int64) (int, error) {
	query := `SELECT COUNT(*) FROM post_targets WHERE post_id = $1 AND status = $2`

	var count int
	err := r.db.QueryRowContext(ctx, query, postID, models.TargetStatusPublished).Scan(&count)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	return count, nil
}
