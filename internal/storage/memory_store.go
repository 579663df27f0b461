package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrObjectNotFound is returned by MemoryStore when an object does not exist
var ErrObjectNotFound = errors.New("object not found")

// StoredObject is an object held by MemoryStore
type StoredObject struct {
	Data         []byte
	Options      PutOptions
	LastModified time.Time
}

// MemoryStore is an in-process ObjectStore used for dry runs and tests.
// Failures can be injected per path to exercise partial-failure handling.
type MemoryStore struct {
	mu          sync.Mutex
	bucket      string
	objects     map[string]StoredObject
	putErrors   map[string]error
	deleteErrs  map[string]error
	listErr     error
	putAttempts map[string]int
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{
		bucket:      bucket,
		objects:     make(map[string]StoredObject),
		putErrors:   make(map[string]error),
		deleteErrs:  make(map[string]error),
		putAttempts: make(map[string]int),
		now:         time.Now,
	}
}

// AddObject stores data at p without going through Put
func (m *MemoryStore) AddObject(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[p] = StoredObject{Data: data, LastModified: m.now()}
}

// FailPut makes every Put to p fail with err. A nil err clears the failure.
func (m *MemoryStore) FailPut(p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.putErrors, p)
		return
	}
	m.putErrors[p] = err
}

// FailDelete makes every Delete of p fail with err. A nil err clears the failure.
func (m *MemoryStore) FailDelete(p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.deleteErrs, p)
		return
	}
	m.deleteErrs[p] = err
}

// FailList makes List fail with err. A nil err clears the failure.
func (m *MemoryStore) FailList(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// Get returns the object stored at p
func (m *MemoryStore) Get(p string) (StoredObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[p]
	return obj, ok
}

// Paths returns every stored path in sorted order
func (m *MemoryStore) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.objects))
	for p := range m.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// PutAttempts returns how many times Put was called for p
func (m *MemoryStore) PutAttempts(p string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putAttempts[p]
}

// Put implements ObjectStore.Put. The body is fully read before the object
// becomes visible, so readers never observe a partial object.
func (m *MemoryStore) Put(ctx context.Context, p string, body io.Reader, opts PutOptions) error {
	m.mu.Lock()
	m.putAttempts[p]++
	injected := m.putErrors[p]
	m.mu.Unlock()

	if injected != nil {
		// drain so a streaming producer is not left blocked
		_, _ = io.Copy(io.Discard, body)
		return fmt.Errorf("%w: put %s: %w", ErrUpload, p, injected)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrUpload, p, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrUpload, p, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[p] = StoredObject{Data: data, Options: opts, LastModified: m.now()}
	return nil
}

// List implements ObjectStore.List
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, fmt.Errorf("failed to list objects: %w", m.listErr)
	}

	var objects []ObjectDescriptor
	for p, obj := range m.objects {
		if prefix != "" && !strings.HasPrefix(p, prefix) {
			continue
		}
		objects = append(objects, ObjectDescriptor{
			Path:         p,
			Name:         path.Base(p),
			Size:         int64(len(obj.Data)),
			LastModified: obj.LastModified,
		})
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Path < objects[j].Path
	})
	return objects, nil
}

// Delete implements ObjectStore.Delete
func (m *MemoryStore) Delete(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.deleteErrs[p]; err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrDelete, p, err)
	}
	if _, ok := m.objects[p]; !ok {
		return fmt.Errorf("%w: delete %s: %w", ErrDelete, p, ErrObjectNotFound)
	}
	delete(m.objects, p)
	return nil
}

// Bucket implements ObjectStore.Bucket
func (m *MemoryStore) Bucket() string {
	return m.bucket
}

// Close implements ObjectStore.Close
func (m *MemoryStore) Close() error {
	return nil
}
