// Package handoff issues time-bounded presigned URLs so file bytes move
// between clients and blob storage without transiting this server.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"relay/internal/server/config"
)

var ErrInvalidKey = errors.New("invalid object key")

// SignedURL pairs a storage key with a presigned URL for it.
type SignedURL struct {
	Key string
	URL string
}

// Signer is the interface the lifecycle engine and purge sweep depend on.
type Signer interface {
	IssueUploadTargets(ctx context.Context, keys []string) ([]SignedURL, error)
	IssueDownloadTargets(ctx context.Context, keys []string, ttl time.Duration) ([]SignedURL, error)
	RemoveObjects(ctx context.Context, keys []string) error
}

// S3Handoff signs upload and download URLs against an S3 (or S3-compatible)
// bucket. Keys are opaque; callers choose them.
type S3Handoff struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	uploadTTL time.Duration
}

// NewS3Handoff builds a handoff against the configured bucket. A custom
// endpoint switches the client to path-style addressing for MinIO-style
// backends.
func NewS3Handoff(ctx context.Context, cfg *config.Config) (*S3Handoff, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Handoff{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.S3Bucket,
		uploadTTL: cfg.UploadURLTTL,
	}, nil
}

// IssueUploadTargets returns one presigned PUT URL per key, in key order.
// The URLs are valid for the configured upload window.
func (h *S3Handoff) IssueUploadTargets(ctx context.Context, keys []string) ([]SignedURL, error) {
	out := make([]SignedURL, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			return nil, ErrInvalidKey
		}
		req, err := h.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(h.bucket),
			Key:    aws.String(key),
		}, func(po *s3.PresignOptions) {
			po.Expires = h.uploadTTL
		})
		if err != nil {
			return nil, fmt.Errorf("failed to presign upload for %s: %w", key, err)
		}
		out = append(out, SignedURL{Key: key, URL: req.URL})
	}
	return out, nil
}

// IssueDownloadTargets returns one presigned GET URL per key, in key order,
// each valid for the given TTL.
func (h *S3Handoff) IssueDownloadTargets(ctx context.Context, keys []string, ttl time.Duration) ([]SignedURL, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("download TTL must be positive")
	}
	out := make([]SignedURL, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			return nil, ErrInvalidKey
		}
		req, err := h.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(h.bucket),
			Key:    aws.String(key),
		}, func(po *s3.PresignOptions) {
			po.Expires = ttl
		})
		if err != nil {
			return nil, fmt.Errorf("failed to presign download for %s: %w", key, err)
		}
		out = append(out, SignedURL{Key: key, URL: req.URL})
	}
	return out, nil
}

// RemoveObjects deletes the objects behind the given keys. Best-effort: a
// failing key is logged and skipped so the purge sweep can make progress.
func (h *S3Handoff) RemoveObjects(ctx context.Context, keys []string) error {
	var failed int
	for _, key := range keys {
		if key == "" {
			continue
		}
		_, err := h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(h.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			slog.Error("failed to delete object", "key", key, "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to delete %d of %d objects", failed, len(keys))
	}
	return nil
}
