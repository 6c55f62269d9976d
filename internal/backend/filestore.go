package backend

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/lifeguard-sh/lifeguard/internal/resource"
)

var canaryKey = []byte("lifeguard.canary")

// FileStore manages an on-disk pebble key-value store as a resource.
type FileStore struct {
	path string

	mu sync.Mutex
	db *pebble.DB
}

// NewFileStore constructs a file store backend rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Initialize creates the store directory.
func (f *FileStore) Initialize(_ context.Context) error {
	return os.MkdirAll(f.path, 0o755)
}

// Connect opens the store.
func (f *FileStore) Connect(_ context.Context) error {
	db, err := pebble.Open(f.path, &pebble.Options{})
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.db = db
	f.mu.Unlock()
	return nil
}

// Disconnect closes the store.
func (f *FileStore) Disconnect(_ context.Context) error {
	f.mu.Lock()
	db := f.db
	f.db = nil
	f.mu.Unlock()

	if db == nil {
		return nil
	}
	return db.Close()
}

// Cleanup closes the store if it is still open. Data stays on disk.
func (f *FileStore) Cleanup(ctx context.Context) error {
	return f.Disconnect(ctx)
}

// CheckHealth writes and reads back a canary key.
func (f *FileStore) CheckHealth(_ context.Context) (resource.Report, error) {
	f.mu.Lock()
	db := f.db
	f.mu.Unlock()

	if db == nil {
		return resource.Report{}, fmt.Errorf("file store: not open")
	}

	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := db.Set(canaryKey, stamp, pebble.Sync); err != nil {
		return resource.Report{}, fmt.Errorf("canary write: %w", err)
	}

	value, closer, err := db.Get(canaryKey)
	if err != nil {
		return resource.Report{}, fmt.Errorf("canary read: %w", err)
	}
	defer func() { _ = closer.Close() }()

	if string(value) != string(stamp) {
		return resource.Report{}, fmt.Errorf("canary mismatch")
	}
	return resource.Report{Health: resource.HealthHealthy, Detail: "canary round trip ok"}, nil
}
