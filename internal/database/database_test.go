package database

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenAndMigrate_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "roadie.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close() //nolint:errcheck

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Running twice is a no-op.
	if err := Migrate(db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	v, err := Version(db)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v < 1 {
		t.Errorf("version = %d, want >= 1", v)
	}

	for _, table := range []string{"entities", "events", "queue_items", "extraction_jobs", "settings", "webhooks"} {
		var name string
		err := db.QueryRowContext(context.Background(),
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpen_Memory(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close() //nolint:errcheck
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}
