package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/hbomb79/Relay/internal/database"
	"github.com/hbomb79/Relay/internal/extractor"
)

const tableName = "media_cache"

var ErrNotFound = errors.New("cache entry not found")

type (
	// Entry maps a canonical source URL to the platform handle of
	// media which has previously been uploaded.
	Entry struct {
		SourceURL string
		Handle    string
		Kind      extractor.Kind
	}

	entryRow struct {
		SourceURL string `db:"source_url"`
		Handle    string `db:"media_handle"`
		Kind      string `db:"media_kind"`
	}

	Store struct{}
)

// Get returns the entry for the URL provided, or ErrNotFound.
func (store *Store) Get(ctx context.Context, db database.Queryable, sourceURL string) (*Entry, error) {
	query, args, err := sq.Select("source_url", "media_handle", "media_kind").
		From(tableName).
		Where(sq.Eq{"source_url": sourceURL}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row entryRow
	if err := db.GetContext(ctx, &row, db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query cache entry: %w", err)
	}

	kind, err := extractor.ParseKind(row.Kind)
	if err != nil {
		return nil, err
	}

	return &Entry{SourceURL: row.SourceURL, Handle: row.Handle, Kind: kind}, nil
}

// Put stores the entry provided. An existing entry for the same URL is
// overwritten (last write wins).
func (store *Store) Put(ctx context.Context, db database.Queryable, entry Entry) error {
	query, args, err := sq.Insert(tableName).
		Columns("source_url", "media_handle", "media_kind").
		Values(entry.SourceURL, entry.Handle, entry.Kind.String()).
		Suffix("ON CONFLICT (source_url) DO UPDATE SET media_handle = EXCLUDED.media_handle, media_kind = EXCLUDED.media_kind").
		ToSql()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	return nil
}

func (store *Store) Count(ctx context.Context, db database.Queryable) (int, error) {
	var count int
	if err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM media_cache`); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}

	return count, nil
}
