package migrate_test

import (
	"testing"

	"flowdesk/internal/db"
	"flowdesk/internal/migrate"
)

func TestMigrateAdvancesUserVersion(t *testing.T) {
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatal(err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if v < 1 {
		t.Fatalf("user_version = %d, want >= 1 after migrating", v)
	}

	// Re-running is a no-op.
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v2, err := migrate.Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if v2 != v {
		t.Fatalf("user_version moved from %d to %d on re-run", v, v2)
	}

	// The schema is usable after migration.
	if _, err := conn.Exec(`INSERT INTO entities(type,id,version,deleted,payload_json,created_at,updated_at) VALUES ('task','t1',1,0,'{}','2026-01-01','2026-01-01')`); err != nil {
		t.Fatalf("insert into migrated schema: %v", err)
	}
}
