package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/GreedyKomodoDragon/collection-backup/internal/source"
)

const (
	// ContentType is the content type of a rendered snapshot
	ContentType = "application/json"

	// ContentEncoding is the compression marker of a serialized snapshot
	ContentEncoding = "gzip"
)

// ErrCollectionRead is returned when reading a collection fails part way
var ErrCollectionRead = errors.New("collection read error")

// Stats describes one serialized collection
type Stats struct {
	Documents       int
	RawBytes        int64
	CompressedBytes int64
}

// Serializer renders a collection as a gzip-compressed JSON array
type Serializer struct {
	source source.DocumentSource
	level  int
}

// NewSerializer creates a serializer reading from src. level is a gzip
// compression level; gzip.DefaultCompression is used when it is out of range.
func NewSerializer(src source.DocumentSource, level int) *Serializer {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return &Serializer{source: src, level: level}
}

// Serialize returns the compressed snapshot of collection as a single buffer
func (s *Serializer) Serialize(ctx context.Context, collection string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.WriteTo(ctx, collection, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo streams the compressed snapshot of collection into w one document
// at a time, so memory use does not grow with the collection size.
//
// Read failures wrap ErrCollectionRead, a missing connection returns
// source.ErrSourceUnavailable, and failures writing to w are returned as is.
func (s *Serializer) WriteTo(ctx context.Context, collection string, w io.Writer) (Stats, error) {
	var stats Stats

	if err := s.source.Ping(ctx); err != nil {
		return stats, err
	}

	counter := &countingWriter{w: w}
	zw, err := gzip.NewWriterLevel(counter, s.level)
	if err != nil {
		return stats, fmt.Errorf("create gzip writer: %w", err)
	}

	var writeErr error
	write := func(p []byte) bool {
		if writeErr != nil {
			return false
		}
		var n int
		n, writeErr = zw.Write(p)
		stats.RawBytes += int64(n)
		return writeErr == nil
	}

	if !write([]byte{'['}) {
		return stats, fmt.Errorf("write snapshot of %s: %w", collection, writeErr)
	}

	err = s.source.ScanCollection(ctx, collection, func(doc []byte) error {
		if stats.Documents > 0 && !write([]byte{','}) {
			return writeErr
		}
		if !write(doc) {
			return writeErr
		}
		stats.Documents++
		return nil
	})

	switch {
	case writeErr != nil:
		return stats, fmt.Errorf("write snapshot of %s: %w", collection, writeErr)
	case errors.Is(err, source.ErrSourceUnavailable):
		return stats, err
	case err != nil:
		return stats, fmt.Errorf("%w: %s: %w", ErrCollectionRead, collection, err)
	}

	if !write([]byte{']'}) {
		return stats, fmt.Errorf("write snapshot of %s: %w", collection, writeErr)
	}
	if err := zw.Close(); err != nil {
		return stats, fmt.Errorf("write snapshot of %s: %w", collection, err)
	}

	stats.CompressedBytes = counter.n
	return stats, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Ping reports whether the underlying source is connected
func (s *Serializer) Ping(ctx context.Context) error {
	return s.source.Ping(ctx)
}
