package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("ENGAGE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ENGAGE_TEST_DATABASE_URL is not set")
	}
	return dsn
}

func openTestPostgres(t *testing.T) Store {
	t.Helper()
	dsn := testDatabaseURL(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := OpenDB(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS sync_queue, cached_records, schema_migrations`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, Migrations); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewPostgresStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, openTestPostgres)
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	s := openTestPostgres(t).(*PostgresStore)
	ctx := context.Background()

	if err := ApplyMigrations(ctx, s.DB(), Migrations); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	var count int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("schema_migrations rows = %d, want 2", count)
	}
}

func TestMigrationFilesArePaired(t *testing.T) {
	ups, err := upMigrations(Migrations)
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := Migrations.Open(down); err != nil {
			t.Fatalf("missing %s for %s: %v", down, up, err)
		}
	}
}
