package helpers

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hbomb79/Relay/internal/database"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/gommon/random"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	PostgresEnvToggle = "RELAY_TEST_POSTGRES"
	User              = "postgres"
	Password          = "postgres"
	MasterDBName      = "RELAY_DB"
)

var (
	pgOnce      sync.Once
	pgContainer *postgres.PostgresContainer
	pgErr       error
)

// SqliteDB returns a migrated sqlite database, private to the calling
// test, which is closed when the test completes.
func SqliteDB(t *testing.T) *sqlx.DB {
	mgr := database.New()
	cfg := database.DatabaseConfig{
		Driver: database.SqliteDriver,
		Path:   filepath.Join(t.TempDir(), random.String(8, random.Alphanumeric)+".db"),
	}
	if err := mgr.Connect(cfg); err != nil {
		t.Fatalf("failed to connect to sqlite database: %s", err)
	}

	t.Cleanup(func() { _ = mgr.Close() })
	return mgr.GetSqlxDb()
}

// PostgresDB returns a migrated PostgreSQL database backed by a shared
// testcontainers-go postgres instance. The test is skipped unless
// RELAY_TEST_POSTGRES is set, as it requires a docker daemon.
func PostgresDB(t *testing.T) *sqlx.DB {
	if _, ok := os.LookupEnv(PostgresEnvToggle); !ok {
		t.Skipf("skipping postgres test: %s not set", PostgresEnvToggle)
	}

	cfg := postgresConfig(t)
	mgr := database.New()
	if err := mgr.Connect(cfg); err != nil {
		t.Fatalf("failed to connect to postgres container: %s", err)
	}

	db := mgr.GetSqlxDb()
	t.Cleanup(func() {
		// Each test starts from an empty cache; the schema is left in place.
		_, _ = db.Exec(`TRUNCATE media_cache, users, usage_events`)
		_ = mgr.Close()
	})

	return db
}

func postgresConfig(t *testing.T) database.DatabaseConfig {
	ctx := context.Background()
	pgOnce.Do(func() {
		pgContainer, pgErr = postgres.RunContainer(ctx,
			testcontainers.WithImage("docker.io/"+database.PostgresImage),
			postgres.WithDatabase(MasterDBName),
			postgres.WithUsername(User),
			postgres.WithPassword(Password),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
	})
	if pgErr != nil {
		t.Fatalf("failed to start postgres container: %s", pgErr)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get postgres container host: %s", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("failed to get postgres container port: %s", err)
	}

	return database.DatabaseConfig{
		Driver:   database.PostgresDriver,
		User:     User,
		Password: Password,
		Name:     MasterDBName,
		Host:     host,
		Port:     port.Port(),
	}
}
