package storage

import (
	"context"
	"io"
)

type Object struct {
	Name string
	Size int64
}

// ObjectStore holds original photos and their generated derivatives. Keys are
// slash separated paths, e.g. "projects/<folder>/originals/<filename>".
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data io.Reader) error

	GetObject(ctx context.Context, key string) (io.ReadCloser, error)

	// DeleteObjects removes every object whose key starts with prefix.
	DeleteObjects(ctx context.Context, prefix string) error

	ListObjects(ctx context.Context, prefix string) ([]Object, error)
}
