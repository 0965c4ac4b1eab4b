package usage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/hbomb79/Relay/internal/database"
)

const tableName = "usage_events"

type (
	Record struct {
		ID       uuid.UUID
		UserID   int64
		ChatType string
		Action   string
		Outcome  string
	}

	// Stats summarises recorded usage. ByAction and ByOutcome always
	// contain every action/outcome which has at least one record.
	Stats struct {
		Total     int            `json:"total"`
		ByAction  map[string]int `json:"by_action"`
		ByOutcome map[string]int `json:"by_outcome"`
	}

	groupCount struct {
		Key   string `db:"name"`
		Count int    `db:"total"`
	}

	Store struct{}
)

func (store *Store) Insert(ctx context.Context, db database.Queryable, record Record) error {
	query, args, err := sq.Insert(tableName).
		Columns("id", "user_id", "chat_type", "action", "outcome", "created_at").
		Values(record.ID.String(), record.UserID, record.ChatType, record.Action, record.Outcome, sq.Expr("CURRENT_TIMESTAMP")).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to insert usage record %s: %w", record.ID, err)
	}

	return nil
}

func (store *Store) Stats(ctx context.Context, db database.Queryable) (*Stats, error) {
	stats := &Stats{ByAction: make(map[string]int), ByOutcome: make(map[string]int)}
	for column, into := range map[string]map[string]int{"action": stats.ByAction, "outcome": stats.ByOutcome} {
		groups, err := store.countBy(ctx, db, column)
		if err != nil {
			return nil, err
		}

		for _, g := range groups {
			into[g.Key] = g.Count
		}
	}

	for _, count := range stats.ByAction {
		stats.Total += count
	}

	return stats, nil
}

func (store *Store) countBy(ctx context.Context, db database.Queryable, column string) ([]groupCount, error) {
	query, args, err := sq.Select(column+" AS name", "COUNT(*) AS total").
		From(tableName).
		GroupBy(column).
		ToSql()
	if err != nil {
		return nil, err
	}

	var groups []groupCount
	if err := db.SelectContext(ctx, &groups, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to count usage by %s: %w", column, err)
	}

	return groups, nil
}
