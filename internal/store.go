package internal

import (
	"context"

	"github.com/hbomb79/Relay/internal/cache"
	"github.com/hbomb79/Relay/internal/database"
	"github.com/hbomb79/Relay/internal/usage"
	"github.com/hbomb79/Relay/internal/user"
	"github.com/jmoiron/sqlx"
)

type (
	// dataOrchestrator owns the stores of the bot and the database they
	// share. The stores below this layer are 'dumb', accepting whichever
	// Queryable they are handed; this layer binds them to the connection.
	//
	// Consumers are welcome to use the stores directly, provided they
	// bring their own Queryable.
	dataOrchestrator struct {
		db         database.Manager
		UserStore  *user.Store
		UsageStore *usage.Store
		CacheStore *cache.Store
	}
)

func newDataOrchestrator(db database.Manager) *dataOrchestrator {
	if db.GetSqlxDb() == nil {
		panic("cannot construct relay data store without a connected database")
	}

	return &dataOrchestrator{
		db:         db,
		UserStore:  &user.Store{},
		UsageStore: &usage.Store{},
		CacheStore: &cache.Store{},
	}
}

func (orch *dataOrchestrator) DB() *sqlx.DB { return orch.db.GetSqlxDb() }

// CaptionTemplate returns the template configured by the user, or "" if
// they have none (or are not yet known).
func (orch *dataOrchestrator) CaptionTemplate(ctx context.Context, userID int64) (string, error) {
	return orch.UserStore.CaptionTemplate(ctx, orch.DB(), userID)
}

// SetCaptionTemplate stores the template for the user. An empty template
// restores the default caption.
func (orch *dataOrchestrator) SetCaptionTemplate(ctx context.Context, userID int64, template string) error {
	return orch.db.WrapTx(func(tx *sqlx.Tx) error {
		return orch.UserStore.SetCaptionTemplate(ctx, tx, userID, template)
	})
}

