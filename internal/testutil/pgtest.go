// Package testutil holds shared setup for database integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/mbd888/signgate/migrations"
)

// Tables truncated between tests.
var Tables = []string{"approval_tokens", "audit_events"}

// PGTest connects to POSTGRES_URL, applies the embedded migrations and
// registers a cleanup that empties the application tables. The test is
// skipped when POSTGRES_URL is unset.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}

	truncate(ctx, t, db)
	t.Cleanup(func() {
		truncate(context.Background(), t, db)
		_ = db.Close()
	})
	return db
}

func truncate(ctx context.Context, t *testing.T, db *sql.DB) {
	for _, table := range Tables {
		// #nosec G202 -- table names are constants
		if _, err := db.ExecContext(ctx, "TRUNCATE "+table); err != nil {
			t.Logf("pgtest: truncate %s: %v", table, err)
		}
	}
}
