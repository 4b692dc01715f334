package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcnats "github.com/testcontainers/testcontainers-go/modules/nats"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"EnergyLedger/internal/persistence"
	"EnergyLedger/migrations"
)

// RequireIntegration skips the test if not running integration tests.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("skipping integration test (set INTEGRATION_TEST=1 to run)")
	}
}

// SetupTestDB returns a migrated Postgres database.
//
// TEST_POSTGRES_DSN points at an existing server; otherwise a disposable
// container is started and terminated when the test ends.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	RequireIntegration(t)

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		dsn = startPostgres(t)
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, db.PingContext(ctx))

	m, err := persistence.NewMigrator(db, migrations.FS, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Up())

	t.Cleanup(func() {
		for _, table := range []string{
			"event_log.operations",
			"ledger.committed_keys",
			"ledger.user_accounts",
			"ledger.pools",
		} {
			_, _ = db.Exec("TRUNCATE " + table + " CASCADE")
		}
	})

	return db
}

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("energyledger_test"),
		tcpostgres.WithUsername("energy_test"),
		tcpostgres.WithPassword("energy_test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

// SetupTestNATS returns a connection to a JetStream-enabled NATS server.
//
// TEST_NATS_URL points at an existing server; otherwise a container is
// started for the test.
func SetupTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	RequireIntegration(t)

	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		ctx := context.Background()
		container, err := tcnats.Run(ctx, "nats:2.10-alpine")
		require.NoError(t, err)
		t.Cleanup(func() { _ = container.Terminate(ctx) })

		url, err = container.ConnectionString(ctx)
		require.NoError(t, err)
	}

	nc, err := nats.Connect(url, nats.Name("energyledger-test"))
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}
