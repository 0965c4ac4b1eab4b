package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hbomb79/Relay/pkg/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	sqldblogger "github.com/simukti/sqldb-logger"
	_ "modernc.org/sqlite"
)

const (
	PostgresDriver      = "postgres"
	SqliteDriver        = "sqlite"
	SqlConnectionString = "host=%s user=%s password=%s dbname=%s port=%s sslmode=disable"
	SqliteDSNSuffix     = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	connectAttempts = 5
	connectBackoff  = time.Second * 3
)

var (
	//go:embed migrations/*.sql
	migrations embed.FS

	dbLogger = logger.Get("DB")

	ErrNotConnected = errors.New("DB manager has not yet connected")
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know the
	// bind type of.
	sqlx.BindDriver(SqliteDriver, sqlx.QUESTION)
}

type (
	// Queryable is satisfied by both *sqlx.DB and *sqlx.Tx, allowing
	// stores to be used inside or outside of a transaction.
	Queryable interface {
		sqlx.QueryerContext
		sqlx.ExecerContext
		GetContext(ctx context.Context, dest any, query string, args ...any) error
		SelectContext(ctx context.Context, dest any, query string, args ...any) error
		Rebind(query string) string
	}

	SqlLogger struct {
		logger logger.Logger
	}

	Manager interface {
		Connect(DatabaseConfig) error
		GetSqlxDb() *sqlx.DB
		WrapTx(func(*sqlx.Tx) error) error
		Close() error
	}

	manager struct {
		rawDb   *sql.DB
		db      *sqlx.DB
		dialect string
		backoff time.Duration
	}
)

func New() *manager {
	return &manager{backoff: connectBackoff}
}

// Connect opens a connection to the configured database, waits for it
// to become reachable, and then runs any pending migrations.
func (db *manager) Connect(config DatabaseConfig) error {
	driver, dsn, err := config.dataSource()
	if err != nil {
		return err
	}

	rawDb, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open %s connection: %w", driver, err)
	}

	rawDb = sqldblogger.OpenDriver(dsn, rawDb.Driver(), &SqlLogger{dbLogger},
		sqldblogger.WithMinimumLevel(sqldblogger.LevelDebug),
	)
	if driver == SqliteDriver {
		// A single writer avoids SQLITE_BUSY; busy_timeout covers the rest.
		rawDb.SetMaxOpenConns(1)
	}

	for attempt := 1; ; attempt++ {
		err := rawDb.Ping()
		if err == nil {
			break
		}

		if attempt >= connectAttempts {
			dbLogger.Emit(logger.ERROR, "All attempts FAILED!\n")
			return fmt.Errorf("failed to reach %s database: %w", driver, err)
		}

		dbLogger.Emit(logger.WARNING, "Attempt (%v/%v) failed... Retrying in %s\n", attempt, connectAttempts, db.backoff)
		time.Sleep(db.backoff)
	}

	db.rawDb = rawDb
	db.db = sqlx.NewDb(rawDb, driver)
	db.dialect = driver

	if err := db.ExecuteMigrations(); err != nil {
		return err
	}

	dbLogger.Emit(logger.SUCCESS, "Database connection complete!\n")
	return nil
}

// ExecuteMigrations uses the comp-time embedded SQL migrations (found in the 'migrations'
// dir in this package) and runs them against the current DB instance.
func (db *manager) ExecuteMigrations() error {
	rawDb := db.rawDb
	if rawDb == nil {
		return fmt.Errorf("cannot execute migrations: %w", ErrNotConnected)
	}

	gooseDialect := "postgres"
	if db.dialect == SqliteDriver {
		gooseDialect = "sqlite3"
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(dbLogger)
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("failed to set dialect for DB migration: %w", err)
	}

	dbLogger.Emit(logger.INFO, "Checking for pending DB migrations...\n")
	if err := goose.Up(rawDb, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}

	dbLogger.Emit(logger.SUCCESS, "DB Goose migration complete!\n")
	return nil
}

// GetSqlxDb returns the sqlx database connection if
// one has been opened using 'Connect'. Otherwise, nil is returned
func (db *manager) GetSqlxDb() *sqlx.DB {
	return db.db
}

// WrapTx is a convinience method around the top-level WrapTx, which simply
// uses the managers DB instance as the first argument.
func (db *manager) WrapTx(f func(tx *sqlx.Tx) error) error {
	if db.db == nil {
		return ErrNotConnected
	}

	return WrapTx(db.db, f)
}

func (db *manager) Close() error {
	if db.db == nil {
		return nil
	}

	err := db.db.Close()
	db.db, db.rawDb = nil, nil
	return err
}

func (l *SqlLogger) Log(_ context.Context, level sqldblogger.Level, msg string, data map[string]any) {
	template := "%s - %v\n"
	switch level {
	case sqldblogger.LevelTrace:
		l.logger.Verbosef(template, msg, data)
	case sqldblogger.LevelDebug, sqldblogger.LevelInfo:
		duration := data["duration"]
		query, ok := data["query"]
		if ok {
			l.logger.Debugf("%s [%.2fms] -- %s\n", msg, duration, query)
		} else {
			l.logger.Debugf("%s [%.2fms]\n", msg, duration)
		}
	case sqldblogger.LevelError:
		l.logger.Errorf(template, msg, data)
	}
}

// WrapTx starts a transaction against the provided DB, and then calls the user
// provided function. If this function errors, the transaction is rolled back - otherwise
// the transaction is committed.
func WrapTx(db *sqlx.DB, f func(tx *sqlx.Tx) error) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := f(tx); err != nil {
		dbLogger.Errorf("Transaction failed... rolling back. Error: %s\n", err.Error())
		return err
	}

	return tx.Commit()
}

func (config DatabaseConfig) dataSource() (string, string, error) {
	switch config.Driver {
	case SqliteDriver, "":
		if config.Path == "" {
			return "", "", errors.New("sqlite database requires a path")
		}
		if err := os.MkdirAll(filepath.Dir(config.Path), os.ModeDir|os.ModePerm); err != nil {
			return "", "", fmt.Errorf("failed to create sqlite database directory: %w", err)
		}
		return SqliteDriver, "file:" + config.Path + SqliteDSNSuffix, nil
	case PostgresDriver:
		return PostgresDriver, fmt.Sprintf(SqlConnectionString, config.Host, config.User, config.Password, config.Name, config.Port), nil
	}

	return "", "", fmt.Errorf("unsupported database driver %q", config.Driver)
}
