package source

import (
	"context"
	"errors"
)

// ErrSourceUnavailable is returned when the database connection is not established
var ErrSourceUnavailable = errors.New("source unavailable")

// DocumentSource is a live database connection that can enumerate every
// document of a named collection.
type DocumentSource interface {
	// Ping verifies the connection is established
	Ping(ctx context.Context) error

	// ScanCollection calls fn once per document with its JSON rendering.
	// Iteration stops at the first error; an error returned by fn is
	// returned unchanged.
	ScanCollection(ctx context.Context, collection string, fn func(doc []byte) error) error

	// Close releases the connection
	Close(ctx context.Context) error
}
