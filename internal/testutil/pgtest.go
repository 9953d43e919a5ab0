// Package testutil starts and migrates the Postgres instance used by
// integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	"github.com/mbd888/escrowd/migrations"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// ledgerTables are emptied between tests, children first.
var ledgerTables = []string{
	"settlement_failures",
	"refund_requests",
	"escrow_holds",
	"payout_schedules",
	"payees",
}

var shared struct {
	once sync.Once
	dsn  string
	err  error
}

// PGTest returns a migrated, empty ledger database and closes it when t
// finishes.
//
//	db := testutil.PGTest(t)
//
// POSTGRES_URL points at an existing database. Otherwise one postgres
// container is started per test binary and reaped by testcontainers when
// the binary exits; without Docker the test is skipped.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		shared.once.Do(func() { shared.dsn, shared.err = startContainer(ctx) })
		if shared.err != nil {
			t.Skipf("no POSTGRES_URL and postgres container unavailable: %v", shared.err)
		}
		dsn = shared.dsn
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}
	if err := truncate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: truncate: %v", err)
	}
	t.Cleanup(func() {
		_ = truncate(context.Background(), db)
		_ = db.Close()
	})
	return db
}

// Migrate applies the embedded goose migrations that have not run yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func startContainer(ctx context.Context) (string, error) {
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("escrowd_test"),
		postgres.WithUsername("escrowd"),
		postgres.WithPassword("escrowd"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", err
	}
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		return "", err
	}
	return dsn, nil
}

func truncate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE "+strings.Join(ledgerTables, ", ")+" CASCADE")
	return err
}
