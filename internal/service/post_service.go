package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"time"

	"github.com/crosspostd/crosspost/internal/media"
	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/repository"
	"github.com/crosspostd/crosspost/internal/transfer"
)

type PostService interface {
	CreatePost(ctx context.Context, userID int64, pc *transfer.PostCreation, files []*multipart.FileHeader) (int64, time.Duration, error)
	List(ctx context.Context, userID int64) ([]*models.Post, error)
	PostInfo(ctx context.Context, postID, userID int64) (*models.Post, error)
	ListTargets(ctx context.Context, postID, userID int64) ([]*models.PostTarget, error)
	Remove(ctx context.Context, userID, postID int64) error
}

type postService struct {
	db    *sql.DB
	pr    repository.PostRepository
	sa    repository.ConnectedAccountRepository
	ma    repository.MediaAssetRepository
	pm    repository.PostMediaRepository
	pt    repository.PostTargetRepository
	relay *media.Relay
}

func NewPostService(
	db *sql.DB,
	pr repository.PostRepository,
	sa repository.ConnectedAccountRepository,
	ma repository.MediaAssetRepository,
	pm repository.PostMediaRepository,
	pt repository.PostTargetRepository,
	relay *media.Relay) PostService {
	return &postService{
		db:    db,
		pr:    pr,
		sa:    sa,
		ma:    ma,
		pm:    pm,
		pt:    pt,
		relay: relay,
	}
}

// CreatePost stores the post, stages its media, and creates one pending
// target per selected account, all in one transaction. The returned delay
// tells the caller when to enqueue the publish task; zero means now.
func (s *postService) CreatePost(ctx context.Context, userID int64, pc *transfer.PostCreation, files []*multipart.FileHeader) (int64, time.Duration, error) {
	if pc == nil {
		err := errors.New("post creation data is nil")
		slog.Error(err.Error())
		return 0, 0, err
	}
	if pc.Caption == "" && len(files) == 0 {
		err := errors.New("post needs a caption or at least one media file")
		slog.Info(err.Error())
		return 0, 0, err
	}

	// An empty scheduled time publishes immediately.
	var scheduledTime time.Time
	if pc.ScheduledTime != "" {
		var err error
		scheduledTime, err = time.Parse("2006-01-02T15:04", pc.ScheduledTime)
		if err != nil {
			err = fmt.Errorf("invalid scheduled time format: %w", err)
			slog.Error(err.Error())
			return 0, 0, err
		}
	}

	var selectedAccounts []int64
	if err := json.Unmarshal([]byte(pc.SelectedAccounts), &selectedAccounts); err != nil {
		err = fmt.Errorf("invalid selected accounts format: %w", err)
		slog.Error(err.Error())
		return 0, 0, err
	}
	if len(selectedAccounts) == 0 {
		err := errors.New("no connected accounts selected")
		slog.Error(err.Error())
		return 0, 0, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		}
	}()

	post := models.Post{
		UserID:  userID,
		Caption: pc.Caption,
		Status:  models.PostStatusScheduled,
	}
	if !scheduledTime.IsZero() {
		post.ScheduledTime = sql.NullTime{Time: scheduledTime, Valid: true}
	}

	postID, err := s.pr.Create(ctx, tx, &post)
	if err != nil {
		return 0, 0, fmt.Errorf("error creating post: %w", err)
	}

	if err = s.saveTargets(ctx, tx, userID, postID, selectedAccounts); err != nil {
		return 0, 0, fmt.Errorf("error processing selected accounts: %w", err)
	}

	if err = s.processFiles(ctx, tx, userID, postID, files); err != nil {
		return 0, 0, fmt.Errorf("error processing files: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	delay := time.Until(scheduledTime)
	if delay < 0 {
		delay = 0
	}

	return postID, delay, nil
}

func (s *postService) saveTargets(ctx context.Context, tx *sql.Tx, userID, postID int64, accounts []int64) error {
	for _, accountID := range accounts {
		account, err := s.sa.GetForUser(ctx, accountID, userID)
		if err != nil {
			return fmt.Errorf("error checking connected account %d: %w", accountID, err)
		}
		if account == nil || account.Status == models.AccountStatusPending {
			return fmt.Errorf("connected account %d does not exist", accountID)
		}

		target := models.PostTarget{
			PostID:    postID,
			AccountID: accountID,
		}
		if _, err := s.pt.Create(ctx, tx, &target); err != nil {
			return fmt.Errorf("error saving target for account %d: %w", accountID, err)
		}
	}
	return nil
}

func (s *postService) processFiles(ctx context.Context, tx *sql.Tx, userID, postID int64, files []*multipart.FileHeader) error {
	for i, file := range files {
		fileContent, err := file.Open()
		if err != nil {
			return fmt.Errorf("error opening file: %w", err)
		}
		defer fileContent.Close()

		fileBytes, err := io.ReadAll(fileContent)
		if err != nil {
			return fmt.Errorf("error reading file content: %w", err)
		}

		stagedURL, err := s.relay.Stage(ctx, fileBytes, file.Header.Get("Content-Type"))
		if err != nil {
			return fmt.Errorf("error staging file: %w", err)
		}

		ma := models.MediaAsset{
			UserID:   userID,
			FileName: file.Filename,
			FileType: file.Header.Get("Content-Type"),
			FileSize: file.Size,
			FileURL:  stagedURL,
		}
		assetID, err := s.ma.Create(ctx, tx, &ma)
		if err != nil {
			return fmt.Errorf("error saving media asset: %w", err)
		}

		postMedia := models.PostMedia{
			PostID:       postID,
			AssetID:      assetID,
			DisplayOrder: i,
		}
		if err := s.pm.Create(ctx, tx, &postMedia); err != nil {
			return fmt.Errorf("error saving media file: %w", err)
		}
	}
	return nil
}

func (s *postService) PostInfo(ctx context.Context, postID, userID int64) (*models.Post, error) {
	var err error

	if userID == 0 {
		err = errors.New("User is not valid")
		slog.Info(err.Error())
		return nil, err
	}

	if postID == 0 {
		err = errors.New("post id is not valid")
		slog.Info(err.Error())
		return nil, err
	}

	isValid, err := s.pr.CheckByUserID(ctx, postID, userID)
	if err != nil {
		return nil, err
	}

	if !isValid {
		err = errors.New("Post doesn't exist")
		slog.Info(err.Error())
		return nil, err
	}

	post, err := s.pr.GetByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("Error getting post info")
	}

	return post, nil
}

func (s *postService) ListTargets(ctx context.Context, postID, userID int64) ([]*models.PostTarget, error) {
	isValid, err := s.pr.CheckByUserID(ctx, postID, userID)
	if err != nil {
		return nil, err
	}
	if !isValid {
		err = errors.New("Post doesn't exist")
		slog.Info(err.Error())
		return nil, err
	}

	return s.pt.ListByPostID(ctx, postID)
}

func (s *postService) List(ctx context.Context, userID int64) ([]*models.Post, error) {
	posts, err := s.pr.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("Error getting posts")
	}
	return posts, nil
}

func (s *postService) Remove(ctx context.Context, userID, postID int64) error {
	var err error

	if userID == 0 {
		err = errors.New("User is not valid")
		slog.Info(err.Error())
		return err
	}

	if postID == 0 {
		err = errors.New("post_id is not valid")
		slog.Info(err.Error())
		return err
	}

	isValid, err := s.pr.CheckByUserID(ctx, postID, userID)
	if err != nil {
		return err
	}

	if !isValid {
		err = errors.New("Post doesn't exist")
		slog.Info(err.Error())
		return err
	}

	err = s.pr.Remove(ctx, postID)
	if err != nil {
		return fmt.Errorf("Error removing post")
	}

	return nil
}
