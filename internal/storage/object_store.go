package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrUpload is returned when an object could not be written
	ErrUpload = errors.New("upload error")

	// ErrDelete is returned when an object could not be deleted
	ErrDelete = errors.New("delete error")
)

// ObjectDescriptor describes an object stored in an object store
type ObjectDescriptor struct {
	Path         string
	Name         string
	Size         int64
	LastModified time.Time
}

// PutOptions carries the HTTP-style attributes stored alongside an object
type PutOptions struct {
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// ObjectStore defines the interface for object storage backends.
// Every operation is idempotent per object path and none of them retry.
type ObjectStore interface {
	// Put uploads body to path, overwriting any existing object
	Put(ctx context.Context, path string, body io.Reader, opts PutOptions) error

	// List lists every object whose path starts with prefix. An empty prefix lists the whole bucket.
	List(ctx context.Context, prefix string) ([]ObjectDescriptor, error)

	// Delete removes a single object
	Delete(ctx context.Context, path string) error

	// Bucket returns the storage namespace for logging purposes
	Bucket() string

	// Close cleans up any resources
	Close() error
}
