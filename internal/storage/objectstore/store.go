package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when an object does not exist. Terminal: callers
// must never retry on it.
var ErrNotFound = errors.New("object not found")

// ErrUnavailable marks a transient storage failure. Callers may retry.
var ErrUnavailable = errors.New("object store unavailable")

// Store abstracts S3-compatible object storage for opaque blobs addressed
// by (bucket, key).
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Delete(ctx context.Context, bucket, key string) error
}

// Presigner issues time-limited download URLs for stored objects.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}
