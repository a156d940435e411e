// Package media stages raw upload bytes at a public URL. Providers that pull
// media by URL (Instagram containers, TikTok PULL_FROM_URL) fetch directly
// from the staging bucket, so objects must be publicly readable.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	cfg "github.com/crosspostd/crosspost/configs"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrStorageUnavailable marks a transient staging failure; the caller may
	// retry the whole stage call.
	ErrStorageUnavailable = errors.New("media: staging storage unavailable")
	// ErrInvalidMediaData marks a permanent caller error; retrying the same
	// bytes cannot succeed.
	ErrInvalidMediaData = errors.New("media: invalid media data")
)

var allowedExtensions = map[string]struct{}{
	"mp4": {}, "mov": {}, "jpeg": {}, "png": {}, "jpg": {},
}

type Relay struct {
	config cfg.Config
	client *s3.Client
}

func NewRelay(c cfg.Config) *Relay {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.R2.AccessKey, c.R2.SecretKey, "")),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		slog.Info(err.Error())
		return &Relay{config: c}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.R2.AccountID))
	})

	return &Relay{config: c, client: client}
}

// Stage validates and writes one media item to the bucket and returns its
// public URL. Identical bytes staged twice get distinct keys; each returned
// URL stays independently fetchable.
func (r *Relay) Stage(ctx context.Context, data []byte, mimeType string) (string, error) {
	fileType, err := r.sniff(data, mimeType)
	if err != nil {
		return "", err
	}

	key, err := gonanoid.New()
	if err != nil {
		return "", err
	}
	key = key + "." + fileType.Extension

	input := &s3.PutObjectInput{
		Bucket:      aws.String(r.config.R2.BucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(fileType.MIME.Value),
	}

	if r.client == nil {
		return "", ErrStorageUnavailable
	}
	if _, err := r.client.PutObject(ctx, input); err != nil {
		slog.Info(err.Error())
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return fmt.Sprintf("%s/%s", strings.TrimRight(r.config.R2.PublicBaseURL, "/"), key), nil
}

func (r *Relay) sniff(data []byte, mimeType string) (types.Type, error) {
	if len(data) == 0 {
		return types.Unknown, fmt.Errorf("%w: empty payload", ErrInvalidMediaData)
	}

	fileType, err := filetype.Match(data)
	if err != nil || fileType == types.Unknown {
		return types.Unknown, fmt.Errorf("%w: unrecognized file type", ErrInvalidMediaData)
	}
	if _, ok := allowedExtensions[fileType.Extension]; !ok {
		return types.Unknown, fmt.Errorf("%w: file type %s is not allowed", ErrInvalidMediaData, fileType.Extension)
	}
	if mimeType != "" && mimeType != fileType.MIME.Value {
		return types.Unknown, fmt.Errorf("%w: declared type %s does not match content %s", ErrInvalidMediaData, mimeType, fileType.MIME.Value)
	}

	return fileType, nil
}
