package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/edgekv/internal/testutil/testlog"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	b, err := OpenBadger(InMemoryBadgerConfig())
	require.NoError(t, err)
	persistent := DefaultBadgerConfig()
	persistent.Path = t.TempDir()
	persistent.Quiet = true
	p, err := OpenBadger(persistent)
	require.NoError(t, err)

	stores := map[string]Store{
		"memory":          NewMemory(),
		"badger-inmemory": b,
		"badger-disk":     p,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStoreContract(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "0", "user:1", "alice smith"))
			require.NoError(t, s.Set(ctx, "0", "user:2", "bob"))
			require.NoError(t, s.Set(ctx, "1", "user:1", "other db"))

			v, ok, err := s.Get(ctx, "0", "user:1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "alice smith", v)

			_, ok, err = s.Get(ctx, "0", "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			keys, err := s.Keys(ctx, "0", "user:", 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"user:1", "user:2"}, keys)

			keys, err = s.Keys(ctx, "0", "", 1)
			require.NoError(t, err)
			assert.Len(t, keys, 1)

			existed, err := s.Delete(ctx, "0", "user:2")
			require.NoError(t, err)
			assert.True(t, existed)
			existed, err = s.Delete(ctx, "0", "user:2")
			require.NoError(t, err)
			assert.False(t, existed)

			ok, err = s.Exists(ctx, "1", "user:1")
			require.NoError(t, err)
			assert.True(t, ok)

			n, err := s.Flush(ctx, "0")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			keys, err = s.Keys(ctx, "0", "", 0)
			require.NoError(t, err)
			assert.Empty(t, keys)

			ok, err = s.Exists(ctx, "1", "user:1")
			require.NoError(t, err)
			assert.True(t, ok, "flush must not touch other databases")
		})
	}
}

func TestStoreIncr(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			n, err := s.Incr(ctx, "0", "hits", 1)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 10; j++ {
						_, err := s.Incr(ctx, "0", "hits", 2)
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()

			v, _, err := s.Get(ctx, "0", "hits")
			require.NoError(t, err)
			assert.Equal(t, "81", v)

			require.NoError(t, s.Set(ctx, "0", "name", "alice"))
			_, err = s.Incr(ctx, "0", "name", 1)
			assert.ErrorIs(t, err, ErrNotInteger)
		})
	}
}

func TestStoreValidation(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	assert.ErrorIs(t, s.Set(ctx, "0", "", "v"), ErrInvalidKey)
	assert.ErrorIs(t, s.Set(ctx, "bad db", "k", "v"), ErrInvalidDatabase)
	assert.ErrorIs(t, s.Set(ctx, "0", fmt.Sprintf("%0*d", MaxKeyLen+1, 0), "v"), ErrInvalidKey)

	require.NoError(t, s.Close())
	_, _, err := s.Get(ctx, "0", "k")
	assert.ErrorIs(t, err, ErrClosed)
}
