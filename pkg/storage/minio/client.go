package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/angelmondragon/filepipe-backend/pkg/config"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/storage"
)

const pingTimeout = 5 * time.Second

// Client adapts a MinIO (or any S3-compatible) endpoint to storage.ObjectStore.
type Client struct {
	api  *minio.Client
	logg *logger.Logger
}

var _ storage.ObjectStore = (*Client)(nil)

func NewClient(ctx context.Context, cfg config.StorageConfig, logg *logger.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("storage endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("storage credentials are required")
	}
	api, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "storage_endpoint", cfg.Endpoint), "object storage client ready")
	}
	return &Client{api: api, logg: logg}, nil
}

func (c *Client) Stat(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	info, err := c.api.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, mapError(err, bucket, key)
	}
	return storage.ObjectInfo{
		Bucket:       bucket,
		Key:          info.Key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
		LastModified: info.LastModified.UTC(),
	}, nil
}

func (c *Client) ReadHead(ctx context.Context, bucket, key string, n int64) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(0, n-1); err != nil {
		return nil, err
	}
	obj, err := c.api.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, mapError(err, bucket, key)
	}
	defer obj.Close()

	head, err := io.ReadAll(io.LimitReader(obj, n))
	if err != nil {
		// An empty object cannot satisfy any range.
		if minio.ToErrorResponse(err).Code == "InvalidRange" {
			return nil, nil
		}
		return nil, mapError(err, bucket, key)
	}
	return head, nil
}

func (c *Client) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if body == nil {
		body = bytes.NewReader(nil)
	}
	_, err := c.api.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return mapError(err, bucket, key)
	}
	return nil
}

// Ping lists buckets to prove the endpoint and credentials work.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := c.api.ListBuckets(ctx); err != nil {
		return fmt.Errorf("ping object storage: %w", err)
	}
	return nil
}

func mapError(err error, bucket, key string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrObjectNotFound)
	default:
		return fmt.Errorf("%s/%s: %w", bucket, key, err)
	}
}
