package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo is the listing metadata of a stored certificate or journal.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter persists documents under a key path.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader opens and enumerates stored documents. Get returns ErrNotFound
// for a missing path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}
