// Package postgres provides the Postgres-backed item backend.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/story-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for item rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ItemStore keeps items in a table whose url column is unique.
type ItemStore struct {
	pool  pool
	table string
}

// New connects a pool and optionally creates the items table.
func New(ctx context.Context, cfg Config) (*ItemStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := s.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*ItemStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ItemStore{pool: p, table: table}, nil
}

// EnsureSchema creates the items table when missing.
func (s *ItemStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL UNIQUE,
	source_name TEXT NOT NULL,
	author      TEXT NOT NULL,
	title       TEXT NOT NULL,
	body        TEXT NOT NULL,
	image_url   TEXT NOT NULL,
	scraped_at  TIMESTAMPTZ NOT NULL,
	scores      JSONB
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create items table: %w", err)
	}
	return nil
}

// Exists reports whether a row with url exists.
func (s *ItemStore) Exists(ctx context.Context, url string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE url = $1)`, s.table)
	if err := s.pool.QueryRow(ctx, query, url).Scan(&exists); err != nil {
		return false, fmt.Errorf("query item existence: %w", err)
	}
	return exists, nil
}

// Insert adds item unless its url is taken; the unique constraint settles
// concurrent writers.
func (s *ItemStore) Insert(ctx context.Context, item harvest.Item) (bool, error) {
	if item.ID == "" {
		return false, fmt.Errorf("item id is required")
	}
	scores, err := encodeScores(item.Scores)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	url,
	source_name,
	author,
	title,
	body,
	image_url,
	scraped_at,
	scores
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
) ON CONFLICT (url) DO NOTHING`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		item.ID,
		item.URL,
		item.SourceName,
		item.Author,
		item.Title,
		item.Body,
		item.ImageURL,
		item.ScrapedAt,
		scores,
	)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LoadAll returns every row ordered by save time.
func (s *ItemStore) LoadAll(ctx context.Context) ([]harvest.Item, error) {
	query := fmt.Sprintf(`
SELECT id, url, source_name, author, title, body, image_url, scraped_at, scores
FROM %s
ORDER BY scraped_at, id`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []harvest.Item
	for rows.Next() {
		var (
			it     harvest.Item
			scores []byte
		)
		if err := rows.Scan(&it.ID, &it.URL, &it.SourceName, &it.Author, &it.Title, &it.Body, &it.ImageURL, &it.ScrapedAt, &scores); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if len(scores) > 0 {
			var qs harvest.QualityScore
			if err := json.Unmarshal(scores, &qs); err != nil {
				return nil, fmt.Errorf("decode scores for %s: %w", it.URL, err)
			}
			it.Scores = &qs
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// Close releases the underlying pool resources.
func (s *ItemStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func encodeScores(qs *harvest.QualityScore) ([]byte, error) {
	if qs == nil {
		return nil, nil
	}
	b, err := json.Marshal(qs)
	if err != nil {
		return nil, fmt.Errorf("marshal scores: %w", err)
	}
	return b, nil
}
