// Package gcs provides an item backend on Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/harvest"
	"github.com/JakeFAU/story-harvester/internal/hash/sha256"
)

// Config captures the bucket layout.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// errPreconditionFailed is returned by objects.create when the object exists.
var errPreconditionFailed = errors.New("object already exists")

// objects is the narrow view of a bucket this backend needs.
type objects interface {
	create(ctx context.Context, name, contentType string, data []byte, ifAbsent bool) error
	read(ctx context.Context, name string) ([]byte, error)
	exists(ctx context.Context, name string) (bool, error)
	list(ctx context.Context, prefix string) ([]string, error)
	delete(ctx context.Context, name string) error
}

// Backend stores one JSON object per item under <prefix>/items/ and a
// marker object per URL under <prefix>/urls/. Markers are created with a
// does-not-exist precondition, which makes Insert atomic across writers.
type Backend struct {
	objs   objects
	prefix string
	logger *zap.Logger
	closer func() error
}

func newBackend(objs objects, prefix string, logger *zap.Logger, closer func() error) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if closer == nil {
		closer = func() error { return nil }
	}
	return &Backend{
		objs:   objs,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
		closer: closer,
	}
}

func (b *Backend) markerName(url string) string {
	return path.Join(b.prefix, "urls", sha256.URLKey(url))
}

func (b *Backend) itemsPrefix() string {
	return path.Join(b.prefix, "items") + "/"
}

func (b *Backend) itemName(id string) string {
	return b.itemsPrefix() + id + ".json"
}

// Exists checks for the URL marker.
func (b *Backend) Exists(ctx context.Context, url string) (bool, error) {
	ok, err := b.objs.exists(ctx, b.markerName(url))
	if err != nil {
		return false, fmt.Errorf("stat url marker: %w", err)
	}
	return ok, nil
}

// Insert claims the URL marker and then writes the item object. A lost
// claim reports false.
func (b *Backend) Insert(ctx context.Context, item harvest.Item) (bool, error) {
	if item.ID == "" {
		return false, fmt.Errorf("item id is required")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("encode item: %w", err)
	}
	marker := b.markerName(item.URL)
	err = b.objs.create(ctx, marker, "text/plain", []byte(item.ID), true)
	if errors.Is(err, errPreconditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim url marker: %w", err)
	}
	if err := b.objs.create(ctx, b.itemName(item.ID), "application/json", data, false); err != nil {
		if delErr := b.objs.delete(ctx, marker); delErr != nil {
			b.logger.Error("url marker left without item",
				zap.String("url", item.URL), zap.String("marker", marker), zap.Error(delErr))
		}
		return false, fmt.Errorf("write item object: %w", err)
	}
	return true, nil
}

// LoadAll lists and decodes every item object. Undecodable objects are
// logged and skipped.
func (b *Backend) LoadAll(ctx context.Context) ([]harvest.Item, error) {
	names, err := b.objs.list(ctx, b.itemsPrefix())
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	items := make([]harvest.Item, 0, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := b.objs.read(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("read items: %w", ctx.Err())
			}
			b.logger.Warn("skipping unreadable item", zap.String("object", name), zap.Error(err))
			continue
		}
		var it harvest.Item
		if err := json.Unmarshal(data, &it); err != nil || it.URL == "" {
			b.logger.Warn("skipping corrupt item", zap.String("object", name), zap.Error(err))
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// Close releases the storage client when the backend owns it.
func (b *Backend) Close() error {
	return b.closer()
}
