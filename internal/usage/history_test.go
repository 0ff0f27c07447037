package usage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/story-harvester/internal/harvest"
)

var _ harvest.UsageHistory = (*History)(nil)

func openTemp(t *testing.T) *History {
	t.Helper()
	h, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "state", "usage.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestHistoryRecordAndHas(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := openTemp(t)
	url := "https://old.reddit.com/r/tifu/comments/abc/x/"

	used, err := h.Has(ctx, url)
	require.NoError(t, err)
	assert.False(t, used)

	require.NoError(t, h.Record(ctx, url))
	require.NoError(t, h.Record(ctx, url))

	used, err = h.Has(ctx, url)
	require.NoError(t, err)
	assert.True(t, used)

	n, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHistoryPersistsAcrossOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "usage.db")
	h, err := Open(ctx, Config{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, h.Record(ctx, "u1"))
	require.NoError(t, h.Close())

	h, err = Open(ctx, Config{Path: path}, nil)
	require.NoError(t, err)
	defer h.Close()
	used, err := h.Has(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, used)
}

func TestHistoryRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{}, nil)
	require.Error(t, err)
	require.Error(t, openTemp(t).Record(context.Background(), "  "))
}

func TestRetryOnBusy(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retryOnBusy(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryOnBusy(context.Background(), func() error {
		calls++
		return errors.New("no such table")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
