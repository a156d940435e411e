package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/crosspostd/crosspost/internal/models"
)

type ConnectedAccountRepository interface {
	Upsert(ctx context.Context, tx *sql.Tx, ca *models.ConnectedAccount) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.ConnectedAccount, error)
	GetForUser(ctx context.Context, accountID, userID int64) (*models.ConnectedAccount, error)
	ListByUserID(ctx context.Context, userID int64) ([]*models.ConnectedAccount, error)
	ListInfoByUserID(ctx context.Context, userID int64) ([]*models.ConnectedAccount, error)
	ListExpiring(ctx context.Context, initialTime, finalTime time.Time) ([]*models.ConnectedAccount, error)
	FindPending(ctx context.Context, userID int64, requestToken string) (*models.ConnectedAccount, error)
	SetStatus(ctx context.Context, id int64, status, reason string) error
	SetToken(ctx context.Context, id int64, ca *models.ConnectedAccount) error
	DeleteExpiredPending(ctx context.Context) error
	Remove(ctx context.Context, id int64) error
}

type connectedAccountRepository struct {
	db *sql.DB
}

func NewConnectedAccountRepository(db *sql.DB) ConnectedAccountRepository {
	return &connectedAccountRepository{db: db}
}

// Upsert inserts or refreshes a row keyed on (provider, account_id, user_id).
// A conflict overwrites token and profile fields but keeps id and created_at.
func (r *connectedAccountRepository) Upsert(ctx context.Context, tx *sql.Tx, ca *models.ConnectedAccount) (int64, error) {
	var err error
	var id int64

	query := `
		INSERT INTO connected_accounts(
			user_id,
			provider,
			account_id,
			account_name,
			account_username,
			profile_picture_url,
			access_token,
			refresh_token,
			token_secret,
			token_expires_at,
			status,
			follower_count,
			post_count
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (provider, account_id, user_id) DO UPDATE SET
			account_name = EXCLUDED.account_name,
			account_username = EXCLUDED.account_username,
			profile_picture_url = EXCLUDED.profile_picture_url,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_secret = EXCLUDED.token_secret,
			token_expires_at = EXCLUDED.token_expires_at,
			status = EXCLUDED.status,
			follower_count = EXCLUDED.follower_count,
			post_count = EXCLUDED.post_count,
			last_error = NULL,
			last_error_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id
	`

	args := []interface{}{
		ca.UserID,
		ca.Provider,
		ca.AccountID,
		ca.AccountName,
		ca.AccountUsername,
		ca.ProfilePicture,
		ca.AccessToken,
		ca.RefreshToken,
		ca.TokenSecret,
		ca.TokenExpiresAt,
		ca.Status,
		ca.FollowerCount,
		ca.PostCount,
	}

	if tx != nil {
		err = tx.QueryRowContext(ctx, query, args...).Scan(&id)
	} else {
		err = r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	}

	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	return id, nil
}

const accountColumns = `id, user_id, provider, account_id, account_name,
	account_username, profile_picture_url, access_token, refresh_token,
	token_secret, token_expires_at, status, follower_count, post_count,
	last_error_at, last_error, created_at, updated_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*models.ConnectedAccount, error) {
	var ca models.ConnectedAccount
	err := row.Scan(&ca.ID, &ca.UserID, &ca.Provider, &ca.AccountID, &ca.AccountName,
		&ca.AccountUsername, &ca.ProfilePicture, &ca.AccessToken, &ca.RefreshToken,
		&ca.TokenSecret, &ca.TokenExpiresAt, &ca.Status, &ca.FollowerCount, &ca.PostCount,
		&ca.LastErrorAt, &ca.LastError, &ca.CreatedAt, &ca.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ca, nil
}

func (r *connectedAccountRepository) GetByID(ctx context.Context, id int64) (*models.ConnectedAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM connected_accounts WHERE id = $1`
	ca, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return ca, nil
}

func (r *connectedAccountRepository) GetForUser(ctx context.Context, accountID, userID int64) (*models.ConnectedAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM connected_accounts WHERE id = $1 AND user_id = $2`
	ca, err := scanAccount(r.db.QueryRowContext(ctx, query, accountID, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return ca, nil
}

func (r *connectedAccountRepository) ListByUserID(ctx context.Context, userID int64) ([]*models.ConnectedAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM connected_accounts WHERE user_id = $1 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.ConnectedAccount
	for rows.Next() {
		ca, err := scanAccount(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		accounts = append(accounts, ca)
	}
	return accounts, rows.Err()
}

func (r *connectedAccountRepository) ListInfoByUserID(ctx context.Context, userID int64) ([]*models.ConnectedAccount, error) {
	query := `SELECT id, provider, account_name, account_username, profile_picture_url, status, follower_count
		FROM connected_accounts WHERE user_id = $1 AND status != $2`
	rows, err := r.db.QueryContext(ctx, query, userID, models.AccountStatusPending)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.ConnectedAccount
	for rows.Next() {
		var ca models.ConnectedAccount
		err := rows.Scan(&ca.ID, &ca.Provider, &ca.AccountName, &ca.AccountUsername,
			&ca.ProfilePicture, &ca.Status, &ca.FollowerCount)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		accounts = append(accounts, &ca)
	}
	return accounts, rows.Err()
}

func (r *connectedAccountRepository) ListExpiring(ctx context.Context, initialTime, finalTime time.Time) ([]*models.ConnectedAccount, error) {
	query := `SELECT ` + accountColumns + `
		FROM connected_accounts
		WHERE status = $1
		AND token_expires_at IS NOT NULL
		AND (token_expires_at BETWEEN $2 AND $3 OR token_expires_at < $2)`
	rows, err := r.db.QueryContext(ctx, query, models.AccountStatusActive, initialTime, finalTime)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.ConnectedAccount
	for rows.Next() {
		ca, err := scanAccount(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		accounts = append(accounts, ca)
	}
	return accounts, rows.Err()
}

// FindPending resolves a half-open request-token handshake. The request token
// is stored in account_id because the provider-side id is unknown until the
// handshake completes.
func (r *connectedAccountRepository) FindPending(ctx context.Context, userID int64, requestToken string) (*models.ConnectedAccount, error) {
	query := `SELECT ` + accountColumns + `
		FROM connected_accounts
		WHERE user_id = $1 AND account_id = $2 AND status = $3 AND token_expires_at > CURRENT_TIMESTAMP`
	ca, err := scanAccount(r.db.QueryRowContext(ctx, query, userID, requestToken, models.AccountStatusPending))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return ca, nil
}

func (r *connectedAccountRepository) SetStatus(ctx context.Context, id int64, status, reason string) error {
	query := `
		UPDATE connected_accounts
		SET status = $2,
			last_error = NULLIF($3, ''),
			last_error_at = CASE WHEN $3 != '' THEN CURRENT_TIMESTAMP ELSE last_error_at END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, status, reason)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *connectedAccountRepository) SetToken(ctx context.Context, id int64, ca *models.ConnectedAccount) error {
	query := `
		UPDATE connected_accounts
		SET
			access_token = COALESCE(NULLIF($2, ''), access_token),
			refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
			token_expires_at = COALESCE($4, token_expires_at),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, ca.AccessToken, ca.RefreshToken, ca.TokenExpiresAt)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *connectedAccountRepository) DeleteExpiredPending(ctx context.Context) error {
	query := `DELETE FROM connected_accounts WHERE status = $1 AND token_expires_at < CURRENT_TIMESTAMP`
	_, err := r.db.ExecContext(ctx, query, models.AccountStatusPending)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *connectedAccountRepository) Remove(ctx context.Context, id int64) error {
	query := `DELETE FROM connected_accounts WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
