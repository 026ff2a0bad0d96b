// Package testhelpers provides the shared integration-test harness: a
// PostgreSQL testcontainer, migration bootstrap, and engine construction
// against the containered database. Everything here needs Docker and
// skips in short mode.
package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"github.com/joho/godotenv"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/meridian-data/meridian-engine/pkg/config"
	"github.com/meridian-data/meridian-engine/pkg/driver/postgres"
	"github.com/meridian-data/meridian-engine/pkg/engine"
	"github.com/meridian-data/meridian-engine/pkg/schema"
)

// TestImage is the PostgreSQL image used for integration tests.
const TestImage = "postgres:16-alpine"

// TestDB holds a shared test database container.
type TestDB struct {
	Container testcontainers.Container
	ConnStr   string
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a shared migrated PostgreSQL container. The container
// starts once and is reused across all tests in the run.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

func setupTestDB() (*TestDB, error) {
	// Optional local overrides (container reuse, registry mirrors);
	// absence is fine.
	_ = godotenv.Load()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        TestImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "meridian_test",
			"POSTGRES_USER":     "meridian",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://meridian:test_password@%s:%s/meridian_test?sslmode=disable",
		host, port.Port())

	if err := runMigrations(connStr); err != nil {
		return nil, err
	}

	return &TestDB{Container: container, ConnStr: connStr}, nil
}

// runMigrations applies the reference schema in migrations/ to the test
// database. Idempotent; only pending migrations run.
func runMigrations(connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer db.Close()

	migrateDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsDir()), "postgres", migrateDriver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return fmt.Errorf("failed to close migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close migration database: %w", dbErr)
	}
	return nil
}

// migrationsDir resolves the repository's migrations directory relative
// to this source file, so tests work from any package directory.
func migrationsDir() string {
	_, thisFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "migrations")
}

// NewEngine builds an engine over the shared test container for the
// given registry. Each call gets its own pool so tests stay isolated;
// the pool is disposed on test cleanup.
func NewEngine(t *testing.T, registry *schema.Registry) *engine.Engine {
	t.Helper()

	db := GetTestDB(t)
	logger := zaptest.NewLogger(t)
	connector := postgres.NewConnector(db.ConnStr, logger)

	eng := engine.NewWithConnector(connector, config.PoolConfig{
		MaxConns:        5,
		AcquireTimeout:  10 * time.Second,
		MaxConnAge:      time.Hour,
		LivenessCheck:   true,
		LivenessRetries: 2,
	}, registry, logger)

	t.Cleanup(func() {
		if err := eng.Close(); err != nil {
			t.Logf("failed to close engine: %v", err)
		}
	})
	return eng
}

// TruncateTables clears the given tables between tests that share the
// container.
func TruncateTables(t *testing.T, connStr string, tables ...string) {
	t.Helper()

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		t.Fatalf("failed to open sql connection: %v", err)
	}
	defer db.Close()

	for _, table := range tables {
		if _, err := db.Exec(fmt.Sprintf("TRUNCATE TABLE %q CASCADE", table)); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
}
