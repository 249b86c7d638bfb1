// Package storage defines the object store the pipeline services read from
// and write to. Buckets and keys travel inside message payloads.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned when a bucket/key pair does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo is what a stat call reports about one object.
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// ObjectStore reads and writes objects by bucket and key.
type ObjectStore interface {
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// ReadHead returns at most n bytes from the start of the object.
	ReadHead(ctx context.Context, bucket, key string, n int64) ([]byte, error)
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}
