// Package memory keeps items in process memory for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/story-harvester/internal/harvest"
)

// Backend is a map-backed item backend. Items are returned in insertion order.
type Backend struct {
	mu    sync.RWMutex
	byURL map[string]int
	items []harvest.Item
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{byURL: make(map[string]int)}
}

// Exists reports whether url was inserted.
func (b *Backend) Exists(_ context.Context, url string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byURL[url]
	return ok, nil
}

// Insert stores item unless its URL is present.
func (b *Backend) Insert(_ context.Context, item harvest.Item) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byURL[item.URL]; ok {
		return false, nil
	}
	b.byURL[item.URL] = len(b.items)
	b.items = append(b.items, cloneItem(item))
	return true, nil
}

// LoadAll returns copies of every stored item.
func (b *Backend) LoadAll(context.Context) ([]harvest.Item, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]harvest.Item, len(b.items))
	for i, it := range b.items {
		out[i] = cloneItem(it)
	}
	return out, nil
}

// Len returns the number of stored items.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }

func cloneItem(it harvest.Item) harvest.Item {
	if it.Scores != nil {
		s := *it.Scores
		it.Scores = &s
	}
	return it
}
