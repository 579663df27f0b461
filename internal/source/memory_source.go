package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemorySource is an in-process DocumentSource for tests and dry runs
type MemorySource struct {
	mu          sync.Mutex
	collections map[string][][]byte
	failures    map[string]memoryFailure
	unavailable bool
	scans       map[string]int
}

type memoryFailure struct {
	after int
	err   error
}

// NewMemorySource creates an empty, connected source
func NewMemorySource() *MemorySource {
	return &MemorySource{
		collections: make(map[string][][]byte),
		failures:    make(map[string]memoryFailure),
		scans:       make(map[string]int),
	}
}

// AddDocuments appends documents to collection. Each document is JSON encoded.
func (m *MemorySource) AddDocuments(collection string, docs ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range docs {
		raw, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode document for %s: %w", collection, err)
		}
		m.collections[collection] = append(m.collections[collection], raw)
	}
	return nil
}

// FailCollection makes scans of collection fail with err after yielding
// `after` documents. A nil err clears the failure.
func (m *MemorySource) FailCollection(collection string, after int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, collection)
		return
	}
	m.failures[collection] = memoryFailure{after: after, err: err}
}

// SetUnavailable simulates a dropped database connection
func (m *MemorySource) SetUnavailable(unavailable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = unavailable
}

// Scans returns how many times collection was scanned
func (m *MemorySource) Scans(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scans[collection]
}

// Ping implements DocumentSource.Ping
func (m *MemorySource) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return fmt.Errorf("%w: not connected", ErrSourceUnavailable)
	}
	return ctx.Err()
}

// ScanCollection implements DocumentSource.ScanCollection. A collection
// that was never populated is empty, as in MongoDB.
func (m *MemorySource) ScanCollection(ctx context.Context, collection string, fn func(doc []byte) error) error {
	m.mu.Lock()
	if m.unavailable {
		m.mu.Unlock()
		return fmt.Errorf("%w: not connected", ErrSourceUnavailable)
	}
	m.scans[collection]++
	docs := append([][]byte(nil), m.collections[collection]...)
	failure, failing := m.failures[collection]
	m.mu.Unlock()

	for i, doc := range docs {
		if failing && i == failure.after {
			return failure.err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	if failing && failure.after >= len(docs) {
		return failure.err
	}
	return nil
}

// Close implements DocumentSource.Close
func (m *MemorySource) Close(_ context.Context) error {
	return nil
}
