package store

import (
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsOrdersAndSkipsEmpty(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_b.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"migrations/001_a.sql": {Data: []byte("  CREATE TABLE a (id INT);\n")},
		"migrations/003_c.sql": {Data: []byte("\n\n")},
		"migrations/notes.txt": {Data: []byte("ignored")},
	}
	got, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(got))
	}
	if got[0].version != "001_a" || got[1].version != "002_b" {
		t.Fatalf("unexpected order: %s, %s", got[0].version, got[1].version)
	}
	if got[0].sql != "CREATE TABLE a (id INT);" {
		t.Fatalf("sql not trimmed: %q", got[0].sql)
	}
}

func TestPendingSkipsApplied(t *testing.T) {
	all := []migration{{version: "001_jobs"}, {version: "002_ingestion_drafts"}, {version: "003_mailbox"}}
	got := pending(all, []string{"001_jobs", "003_mailbox"})
	if len(got) != 1 || got[0].version != "002_ingestion_drafts" {
		t.Fatalf("unexpected pending set: %+v", got)
	}
	if len(pending(all, nil)) != 3 {
		t.Fatalf("fresh database must apply everything")
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	got, err := loadMigrations(migrationFiles)
	if err != nil {
		t.Fatalf("load embedded: %v", err)
	}
	if len(got) != 3 || got[0].version != "001_jobs" {
		t.Fatalf("unexpected embedded migrations: %d", len(got))
	}
}
