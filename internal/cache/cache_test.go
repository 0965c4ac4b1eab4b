package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hbomb79/Relay/internal/cache"
	"github.com/hbomb79/Relay/internal/event"
	"github.com/hbomb79/Relay/internal/extractor"
	"github.com/hbomb79/Relay/pkg/logger"
	"github.com/hbomb79/Relay/tests/helpers"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/gommon/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

func newCache(t *testing.T, db *sqlx.DB) *cache.MediaCache {
	return cache.New(db, &cache.Store{}, event.New())
}

func randomURL() string {
	return "https://instagram.com/reel/" + random.String(11, random.Alphanumeric)
}

// storeSuite runs the same assertions against each supported database.
func storeSuite(t *testing.T, db *sqlx.DB) {
	store := &cache.Store{}
	url := randomURL()

	_, err := store.Get(ctx, db, url)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, store.Put(ctx, db, cache.Entry{SourceURL: url, Handle: "first", Kind: extractor.Video}))
	entry, err := store.Get(ctx, db, url)
	require.NoError(t, err)
	assert.Equal(t, cache.Entry{SourceURL: url, Handle: "first", Kind: extractor.Video}, *entry)

	// Last write wins
	require.NoError(t, store.Put(ctx, db, cache.Entry{SourceURL: url, Handle: "second", Kind: extractor.Audio}))
	entry, err = store.Get(ctx, db, url)
	require.NoError(t, err)
	assert.Equal(t, "second", entry.Handle)
	assert.Equal(t, extractor.Audio, entry.Kind)

	count, err := store.Count(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_Sqlite(t *testing.T) {
	storeSuite(t, helpers.SqliteDB(t))
}

func TestStore_Postgres(t *testing.T) {
	storeSuite(t, helpers.PostgresDB(t))
}

func TestCache_StoreThenLookupIsIdempotent(t *testing.T) {
	c := newCache(t, helpers.SqliteDB(t))
	url := randomURL()

	_, ok, err := c.Lookup(ctx, url)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Store(ctx, url, "handle-1", extractor.Video))
	for i := 0; i < 2; i++ {
		e, ok, err := c.Lookup(ctx, url)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "handle-1", e.Handle)
	}
}

func TestCache_LookupSurvivesNewInstance(t *testing.T) {
	db := helpers.SqliteDB(t)
	url := randomURL()
	require.NoError(t, newCache(t, db).Store(ctx, url, "durable", extractor.Video))

	e, ok, err := newCache(t, db).Lookup(ctx, url)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "durable", e.Handle)
}

func TestCache_ResolveHitSkipsFiller(t *testing.T) {
	c := newCache(t, helpers.SqliteDB(t))
	url := randomURL()
	require.NoError(t, c.Store(ctx, url, "cached", extractor.Video))

	res, err := c.Resolve(ctx, url, func(context.Context) (cache.Entry, bool, error) {
		t.Fatal("filler must not be called on a cache hit")
		return cache.Entry{}, false, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.False(t, res.Filled)
	assert.Equal(t, "cached", res.Entry.Handle)
}

func TestCache_ResolveMissStoresCacheableResult(t *testing.T) {
	c := newCache(t, helpers.SqliteDB(t))
	url := randomURL()

	res, err := c.Resolve(ctx, url, func(context.Context) (cache.Entry, bool, error) {
		return cache.Entry{Handle: "fresh", Kind: extractor.Video}, true, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Filled)
	assert.True(t, res.Cacheable)

	e, ok, err := c.Lookup(ctx, url)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fresh", e.Handle)
}

func TestCache_ResolveNonCacheableNotStored(t *testing.T) {
	c := newCache(t, helpers.SqliteDB(t))
	url := randomURL()

	res, err := c.Resolve(ctx, url, func(context.Context) (cache.Entry, bool, error) {
		return cache.Entry{}, false, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Filled)
	assert.False(t, res.Cacheable)

	_, ok, err := c.Lookup(ctx, url)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_ResolveErrorPropagates(t *testing.T) {
	c := newCache(t, helpers.SqliteDB(t))
	errExpected := errors.New("test: expected error")

	_, err := c.Resolve(ctx, randomURL(), func(context.Context) (cache.Entry, bool, error) {
		return cache.Entry{}, false, errExpected
	})
	assert.ErrorIs(t, err, errExpected)
}

func TestCache_ConcurrentMissesShareOneFill(t *testing.T) {
	c := newCache(t, helpers.SqliteDB(t))
	url := randomURL()

	var fills atomic.Int32
	release := make(chan struct{})
	filler := func(context.Context) (cache.Entry, bool, error) {
		fills.Add(1)
		<-release
		return cache.Entry{Handle: "shared", Kind: extractor.Video}, true, nil
	}

	const callers = 5
	results := make([]cache.Resolution, callers)
	wg := sync.WaitGroup{}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Resolve(ctx, url, filler)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	// Give every caller a chance to join the flight before releasing it
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.EqualValues(c, 1, fills.Load())
	}, time.Second, time.Millisecond*10)
	time.Sleep(time.Millisecond * 50)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, fills.Load())
	filledCount := 0
	for _, res := range results {
		assert.Equal(t, "shared", res.Entry.Handle)
		if res.Filled {
			filledCount++
		}
	}
	assert.Equal(t, 1, filledCount)
}
