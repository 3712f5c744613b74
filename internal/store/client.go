package store

import (
	"context"
	"io"
	"time"
)

// Client is the minimal object-store surface the sync core consumes.
// List takes a modifiedSince filter so callers can ask the store for
// "live" objects only; the zero time disables the filter.
type Client interface {
	List(ctx context.Context, prefix string, modifiedSince time.Time) ([]*ObjectInfo, error)
	Get(ctx context.Context, key string) (*GetObjectResponse, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) (*PutObjectResponse, error)
	Delete(ctx context.Context, key string) (bool, error)
}

type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

type GetObjectResponse struct {
	Body         io.ReadCloser
	ETag         string
	Size         int64
	LastModified time.Time
}

type PutObjectResponse struct {
	Key          string
	Version      string
	ETag         string
	Size         int64
	LastModified time.Time
}
