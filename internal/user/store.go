// Package user persists the Telegram users the bot has seen, along with
// their per-user preferences.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/hbomb79/Relay/internal/database"
	"github.com/hbomb79/Relay/pkg/logger"
)

const tableName = "users"

var ErrUserNotFound = errors.New("user does not exist")

var log = logger.Get("UserStore")

type (
	User struct {
		ID              int64  `db:"id"`
		Username        string `db:"username"`
		FirstName       string `db:"first_name"`
		ChatType        string `db:"chat_type"`
		CaptionTemplate string `db:"caption_template"`
	}

	Store struct{}
)

// Touch records the user, creating them if they're new and otherwise
// refreshing their profile and last seen time. The caption template of an
// existing user is left untouched.
func (store *Store) Touch(ctx context.Context, db database.Queryable, u User) error {
	query, args, err := sq.Insert(tableName).
		Columns("id", "username", "first_name", "chat_type", "first_seen", "last_seen").
		Values(u.ID, u.Username, u.FirstName, u.ChatType, sq.Expr("CURRENT_TIMESTAMP"), sq.Expr("CURRENT_TIMESTAMP")).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			chat_type = EXCLUDED.chat_type,
			last_seen = CURRENT_TIMESTAMP`).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to touch user %d: %w", u.ID, err)
	}

	return nil
}

func (store *Store) Get(ctx context.Context, db database.Queryable, id int64) (*User, error) {
	query, args, err := selectUserBuilder().Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}

	var u User
	if err := db.GetContext(ctx, &u, db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user %d: %w", id, err)
	}

	return &u, nil
}

// CaptionTemplate returns the template the user has configured, or "" for
// users which have none (or are unknown).
func (store *Store) CaptionTemplate(ctx context.Context, db database.Queryable, id int64) (string, error) {
	u, err := store.Get(ctx, db, id)
	if errors.Is(err, ErrUserNotFound) {
		return "", nil
	} else if err != nil {
		return "", err
	}

	return u.CaptionTemplate, nil
}

// SetCaptionTemplate stores the template for the user, creating a bare
// record for them if required. An empty template clears it.
func (store *Store) SetCaptionTemplate(ctx context.Context, db database.Queryable, id int64, template string) error {
	query, args, err := sq.Insert(tableName).
		Columns("id", "caption_template", "first_seen", "last_seen").
		Values(id, template, sq.Expr("CURRENT_TIMESTAMP"), sq.Expr("CURRENT_TIMESTAMP")).
		Suffix("ON CONFLICT (id) DO UPDATE SET caption_template = EXCLUDED.caption_template").
		ToSql()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to set caption template for user %d: %w", id, err)
	}

	log.Emit(logger.DEBUG, "Caption template for user %d updated (%d chars)\n", id, len(template))
	return nil
}

func (store *Store) Count(ctx context.Context, db database.Queryable) (int, error) {
	var count int
	if err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}

	return count, nil
}

func selectUserBuilder() sq.SelectBuilder {
	return sq.Select("id", "username", "first_name", "chat_type", "caption_template").From(tableName)
}
