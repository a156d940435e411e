package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/crosspostd/crosspost/internal/connect"
	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/repository"
)

// AccountService fronts the connect flows and account listing for the API
// layer. The handshake mechanics live in the connect package.
type AccountService interface {
	BeginConnect(ctx context.Context, provider string, userID int64) (*connect.BeginResult, error)
	CompleteConnect(ctx context.Context, provider string, userID int64, params connect.CallbackParams) (*models.ConnectedAccount, error)
	List(ctx context.Context, userID int64) ([]*models.ConnectedAccount, error)
	Delete(ctx context.Context, userID, accountID int64) error
}

type accountService struct {
	cm *connect.Manager
	sa repository.ConnectedAccountRepository
}

func NewAccountService(cm *connect.Manager, sa repository.ConnectedAccountRepository) AccountService {
	return &accountService{
		cm: cm,
		sa: sa,
	}
}

func (s *accountService) BeginConnect(ctx context.Context, provider string, userID int64) (*connect.BeginResult, error) {
	if userID == 0 {
		err := errors.New("User is not valid")
		slog.Info(err.Error())
		return nil, err
	}

	return s.cm.BeginConnect(ctx, provider, userID)
}

func (s *accountService) CompleteConnect(ctx context.Context, provider string, userID int64, params connect.CallbackParams) (*models.ConnectedAccount, error) {
	if userID == 0 {
		err := errors.New("User is not valid")
		slog.Info(err.Error())
		return nil, err
	}

	return s.cm.CompleteConnect(ctx, provider, userID, params)
}

func (s *accountService) List(ctx context.Context, userID int64) ([]*models.ConnectedAccount, error) {
	accounts, err := s.sa.ListInfoByUserID(ctx, userID)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return accounts, nil
}

func (s *accountService) Delete(ctx context.Context, userID, accountID int64) error {
	return s.cm.Disconnect(ctx, userID, accountID)
}
