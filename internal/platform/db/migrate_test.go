package db

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	source := fstest.MapFS{
		"002_index.sql":    {Data: []byte("CREATE INDEX i ON t (c);")},
		"001_table.sql":    {Data: []byte("CREATE TABLE t (c INT);")},
		"010_later.sql":    {Data: []byte("SELECT 1;")},
		"readme.md":        {Data: []byte("not sql")},
		"notes_only.sql":   {Data: []byte("SELECT 2;")},
		"nounderscore.sql": {Data: []byte("SELECT 3;")},
	}

	migrations, err := NewMigrator(nil, source).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	want := []int{1, 2, 10}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].SQL != "CREATE TABLE t (c INT);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := NewMigrator(nil, Migrations()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected embedded migrations")
	}
	if migrations[0].Version != 1 || !strings.Contains(migrations[0].SQL, "CREATE TABLE IF NOT EXISTS audit_entry") {
		t.Errorf("expected audit_entry table as first migration, got %s", migrations[0].Name)
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("migrations not strictly ordered at %s", migrations[i].Name)
		}
	}
}

func TestStatusOf(t *testing.T) {
	migrations := []Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	statuses := statusOf(migrations, map[int]time.Time{1: at})
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected first migration applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected second migration pending, got %+v", statuses[1])
	}
}
