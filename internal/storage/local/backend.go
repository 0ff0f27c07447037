// Package local stores items as one JSON file each on the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/harvest"
)

const (
	recordExt = ".json"
	lockName  = ".lock"
)

// Config captures the parameters for the local filesystem backend.
type Config struct {
	// BaseDir is the directory holding one <id>.json file per item.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// LockRetry is how often a blocked writer retries the directory lock.
	LockRetry time.Duration `mapstructure:"lock_retry" yaml:"lock_retry"`
}

// Backend keeps items in BaseDir. The directory listing is the only index,
// so Exists is a linear scan. Writers are serialised by an in-process mutex
// and a lock file shared with other processes using the same directory.
type Backend struct {
	baseDir   string
	lockRetry time.Duration
	logger    *zap.Logger

	mu   sync.Mutex
	lock *flock.Flock
}

// New creates a filesystem backend, creating BaseDir when needed.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	retry := cfg.LockRetry
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &Backend{
		baseDir:   cfg.BaseDir,
		lockRetry: retry,
		logger:    logger,
		lock:      flock.New(filepath.Join(cfg.BaseDir, lockName)),
	}, nil
}

// Exists scans the stored records for url.
func (b *Backend) Exists(ctx context.Context, url string) (bool, error) {
	found := false
	err := b.scan(ctx, func(item harvest.Item) bool {
		if item.URL == url {
			found = true
			return false
		}
		return true
	})
	return found, err
}

// Insert writes item unless a record with the same URL exists. The check and
// the write happen under both locks.
func (b *Backend) Insert(ctx context.Context, item harvest.Item) (bool, error) {
	if item.ID == "" || strings.ContainsAny(item.ID, `/\`) {
		return false, fmt.Errorf("invalid item id %q", item.ID)
	}
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encode item: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	locked, err := b.lock.TryLockContext(ctx, b.lockRetry)
	if err != nil {
		return false, fmt.Errorf("acquire store lock: %w", err)
	}
	if !locked {
		return false, fmt.Errorf("acquire store lock: not acquired")
	}
	defer func() {
		if err := b.lock.Unlock(); err != nil {
			b.logger.Warn("release store lock", zap.Error(err))
		}
	}()

	exists, err := b.Exists(ctx, item.URL)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := b.writeRecord(item.ID, data); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Backend) writeRecord(id string, data []byte) error {
	final := filepath.Join(b.baseDir, id+recordExt)
	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("record %s already exists", id)
	}
	tmp, err := os.CreateTemp(b.baseDir, ".item-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if rmErr := os.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
			b.logger.Warn("remove temp record", zap.String("path", tmpName), zap.Error(rmErr))
		}
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return fmt.Errorf("publish record: %w", err)
	}
	return nil
}

// LoadAll returns every readable record in file-name order. Records that
// cannot be read or decoded are logged and skipped.
func (b *Backend) LoadAll(ctx context.Context) ([]harvest.Item, error) {
	var items []harvest.Item
	err := b.scan(ctx, func(item harvest.Item) bool {
		items = append(items, item)
		return true
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// scan decodes each record and hands it to fn until fn returns false.
func (b *Backend) scan(ctx context.Context, fn func(harvest.Item) bool) error {
	entries, err := os.ReadDir(b.baseDir)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("scan records: %w", err)
		}
		path := filepath.Join(b.baseDir, e.Name())
		item, err := readRecord(path)
		if err != nil {
			b.logger.Warn("skipping unreadable record", zap.String("path", path), zap.Error(err))
			continue
		}
		if !fn(item) {
			return nil
		}
	}
	return nil
}

func readRecord(path string) (harvest.Item, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from our own directory listing.
	if err != nil {
		return harvest.Item{}, err
	}
	var item harvest.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return harvest.Item{}, err
	}
	if item.URL == "" {
		return harvest.Item{}, errors.New("record has no url")
	}
	return item, nil
}

// Close releases the lock file handle.
func (b *Backend) Close() error {
	return b.lock.Close()
}
