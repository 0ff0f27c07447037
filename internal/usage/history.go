// Package usage records which stored items a downstream renderer has already
// consumed, in a local SQLite database.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"go.uber.org/zap"
)

const (
	sqliteBusyCode      = 5
	busyRetryAttempts   = 5
	busyRetryBackoff    = 10 * time.Millisecond
	busyRetryMaxBackoff = 200 * time.Millisecond
)

const schema = `CREATE TABLE IF NOT EXISTS used_items (
	url     TEXT PRIMARY KEY,
	used_at TEXT NOT NULL
)`

// Config locates the history database.
type Config struct {
	Path string `mapstructure:"path"`
}

// History is the SQLite-backed usage log. It satisfies harvest.UsageHistory.
type History struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// Open creates the database file and schema when missing.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*History, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("usage.path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create usage dir: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create usage schema: %w", err)
	}
	logger.Debug("usage history opened", zap.String("path", cfg.Path))
	return &History{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}, nil
}

// Has reports whether url was recorded.
func (h *History) Has(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := retryOnBusy(ctx, func() error {
		return h.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM used_items WHERE url = ?)`, url).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("query usage: %w", err)
	}
	return exists, nil
}

// Record marks url as consumed. Recording the same url twice keeps the first
// timestamp.
func (h *History) Record(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errors.New("usage url is empty")
	}
	err := retryOnBusy(ctx, func() error {
		_, err := h.db.ExecContext(ctx,
			`INSERT INTO used_items (url, used_at) VALUES (?, ?) ON CONFLICT(url) DO NOTHING`,
			url, h.now().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Count returns how many urls were recorded.
func (h *History) Count(ctx context.Context) (int, error) {
	var n int
	err := retryOnBusy(ctx, func() error {
		return h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM used_items`).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryBackoff
	var lastErr error
	for attempt := range busyRetryAttempts {
		lastErr = op()
		if lastErr == nil || !isBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}
