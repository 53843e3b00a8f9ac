// AngelaMos | 2026
// postgres.go

package testutil

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

const (
	databaseURLEnv     = "TEST_DATABASE_URL"
	requireDatabaseEnv = "TEST_REQUIRE_DATABASE"
)

// SetupTestDatabase connects to TEST_DATABASE_URL inside a throwaway
// schema that is dropped when the test ends. It returns the connection
// and a URL pinned to the same schema. Skips like SetupTestRedis.
func SetupTestDatabase(t testing.TB) (*sqlx.DB, string) {
	t.Helper()

	raw := os.Getenv(databaseURLEnv)
	if raw == "" {
		skipOrFail(t, requireDatabaseEnv,
			"Postgres not available for testing: %s is not set", databaseURLEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	admin, err := sqlx.ConnectContext(ctx, "pgx", raw)
	if err != nil {
		skipOrFail(t, requireDatabaseEnv, "Postgres not available for testing: %v", err)
	}
	t.Cleanup(func() { _ = admin.Close() })

	schema := "test_" + uuid.NewString()[:8]
	if _, err := admin.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA %q`, schema)); err != nil {
		t.Fatalf("create schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		if _, err := admin.ExecContext(context.Background(),
			fmt.Sprintf(`DROP SCHEMA %q CASCADE`, schema)); err != nil {
			t.Logf("warning: drop schema %s: %v", schema, err)
		}
	})

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", databaseURLEnv, err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()

	db, err := sqlx.ConnectContext(ctx, "pgx", u.String())
	if err != nil {
		t.Fatalf("connect to schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		if cerr := db.Close(); cerr != nil {
			t.Logf("warning: failed to close database: %v", cerr)
		}
	})

	return db, u.String()
}
