// Package cache maps canonical source URLs to the platform handle of media
// the bot has already uploaded, so repeat requests can be answered without
// downloading anything.
package cache

import (
	"context"
	"errors"

	"github.com/hbomb79/Relay/internal/database"
	"github.com/hbomb79/Relay/internal/event"
	"github.com/hbomb79/Relay/internal/extractor"
	"github.com/hbomb79/Relay/pkg/logger"
	"github.com/hbomb79/Relay/pkg/sync"
	"golang.org/x/sync/singleflight"
)

var log = logger.Get("Cache")

type (
	// Filler performs the fetch (and transmission) for a cache miss. It
	// returns the entry to record and whether the result is cacheable;
	// multi-item results are not.
	Filler func(ctx context.Context) (Entry, bool, error)

	// Resolution describes how a call to Resolve was satisfied.
	//   - Hit: the entry was already cached.
	//   - Filled: this caller's Filler ran.
	//   - neither: the caller waited on another caller's in-flight Filler.
	//
	// Entry is only meaningful when Cacheable is true.
	Resolution struct {
		Entry     Entry
		Hit       bool
		Filled    bool
		Cacheable bool
	}

	// MediaCache is a durable URL to handle cache with a read-through
	// in-memory layer. Entries are never mutated once stored, except by a
	// later store for the same key.
	MediaCache struct {
		db       database.Queryable
		store    *Store
		eventBus event.EventDispatcher
		entries  sync.TypedSyncMap[string, Entry]
		group    singleflight.Group
	}

	flightResult struct {
		entry     Entry
		cacheable bool
	}
)

func New(db database.Queryable, store *Store, eventBus event.EventDispatcher) *MediaCache {
	return &MediaCache{db: db, store: store, eventBus: eventBus}
}

// Lookup returns the entry for the canonical URL provided, if one exists.
func (c *MediaCache) Lookup(ctx context.Context, url string) (Entry, bool, error) {
	if e, ok := c.entries.Load(url); ok {
		return e, true, nil
	}

	e, err := c.store.Get(ctx, c.db, url)
	if errors.Is(err, ErrNotFound) {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, err
	}

	c.entries.Store(url, *e)
	return *e, true, nil
}

// Store records the handle for the canonical URL provided. Concurrent
// stores for the same URL are last-write-wins.
func (c *MediaCache) Store(ctx context.Context, url string, handle string, kind extractor.Kind) error {
	entry := Entry{SourceURL: url, Handle: handle, Kind: kind}
	if err := c.store.Put(ctx, c.db, entry); err != nil {
		return err
	}

	c.entries.Store(url, entry)
	if c.eventBus != nil {
		c.eventBus.Dispatch(event.CacheStoreEvent, url)
	}

	log.Emit(logger.NEW, "Cached %s handle for %s\n", kind, url)
	return nil
}

// Count returns the number of durable cache entries.
func (c *MediaCache) Count(ctx context.Context) (int, error) {
	return c.store.Count(ctx, c.db)
}

// Resolve returns the cached entry for url if present. Otherwise fill is
// called to fetch the media, with concurrent callers for the same url
// collapsed in to a single call: only one Filler runs, and the rest wait for
// its result. A cacheable result is stored before it is shared.
//
// A lookup failure is logged and treated as a miss.
func (c *MediaCache) Resolve(ctx context.Context, url string, fill Filler) (Resolution, error) {
	if e, ok, err := c.Lookup(ctx, url); err != nil {
		log.Emit(logger.WARNING, "Cache lookup for %s failed, treating as miss: %v\n", url, err)
	} else if ok {
		return Resolution{Entry: e, Hit: true, Cacheable: true}, nil
	}

	filled := false
	v, err, _ := c.group.Do(url, func() (any, error) {
		// Another flight may have completed between our lookup and
		// winning this one.
		if e, ok, err := c.Lookup(ctx, url); err == nil && ok {
			return flightResult{entry: e, cacheable: true}, nil
		}

		filled = true
		entry, cacheable, err := fill(ctx)
		if err != nil {
			return nil, err
		}

		if cacheable {
			entry.SourceURL = url
			if err := c.Store(ctx, url, entry.Handle, entry.Kind); err != nil {
				log.Emit(logger.ERROR, "Failed to store cache entry for %s: %v\n", url, err)
			}
		}

		return flightResult{entry: entry, cacheable: cacheable}, nil
	})
	if err != nil {
		return Resolution{Filled: filled}, err
	}

	res := v.(flightResult)
	return Resolution{Entry: res.entry, Filled: filled, Cacheable: res.cacheable}, nil
}
