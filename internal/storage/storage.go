// Package storage abstracts the object store that receives history archives.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// PutOptions carries object headers. Metadata keys are stored as user
// metadata and must be plain ASCII.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectStore is write-mostly: archives are uploaded once, checked with Stat
// and only deleted when the run that produced them cannot be recorded.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}
