// Package vault owns credential encryption and the connected-account status
// lifecycle. Token fields pass through here on their way to and from the
// database; nothing else reads the encryption secret.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	config "github.com/crosspostd/crosspost/configs"
	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/repository"
)

var (
	ErrMissingSecret     = errors.New("vault: encryption secret is not configured")
	ErrInvalidCiphertext = errors.New("vault: ciphertext is malformed")
)

type Vault struct {
	secret []byte
	sa     repository.ConnectedAccountRepository
}

func New(cfg config.Config, sa repository.ConnectedAccountRepository) *Vault {
	return &Vault{
		secret: []byte(cfg.SecretKey),
		sa:     sa,
	}
}

// Encrypt seals plaintext with AES-GCM and returns base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrMissingSecret
	}

	block, err := aes.NewCipher(v.secret)
	if err != nil {
		slog.Info(err.Error())
		return "", fmt.Errorf("%w: %v", ErrMissingSecret, err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		slog.Info(err.Error())
		return "", err
	}

	ciphertext := aesGCM.Seal(nil, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

func (v *Vault) Decrypt(encryptedData string) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrMissingSecret
	}

	data, err := base64.StdEncoding.DecodeString(encryptedData)
	if err != nil {
		slog.Info(err.Error())
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	block, err := aes.NewCipher(v.secret)
	if err != nil {
		slog.Info(err.Error())
		return "", fmt.Errorf("%w: %v", ErrMissingSecret, err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}

	nonceSize := aesGCM.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		slog.Info(err.Error())
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	return string(plaintext), nil
}

// UpsertAccount inserts or refreshes the row keyed on
// (provider, provider account id, user). Token fields on ca must already be
// ciphertext. A successful upsert is the only path back to active for an
// expired or revoked account.
func (v *Vault) UpsertAccount(ctx context.Context, ca *models.ConnectedAccount) (int64, error) {
	if !models.IsValidProvider(ca.Provider) {
		return 0, fmt.Errorf("unknown provider %q", ca.Provider)
	}
	if ca.Status == "" {
		ca.Status = models.AccountStatusActive
	}
	return v.sa.Upsert(ctx, nil, ca)
}

func (v *Vault) MarkExpired(ctx context.Context, accountID int64, reason string) error {
	return v.transition(ctx, accountID, models.AccountStatusExpired, reason)
}

func (v *Vault) MarkRevoked(ctx context.Context, accountID int64, reason string) error {
	return v.transition(ctx, accountID, models.AccountStatusRevoked, reason)
}

// transition applies a one-way status change. Repeats are no-ops, and an
// already revoked account is never downgraded to expired.
func (v *Vault) transition(ctx context.Context, accountID int64, status, reason string) error {
	acc, err := v.sa.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acc == nil {
		return fmt.Errorf("connected account %d does not exist", accountID)
	}

	if acc.Status == status || acc.Status == models.AccountStatusRevoked {
		return nil
	}

	return v.sa.SetStatus(ctx, accountID, status, reason)
}
