package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"001_core.sql":      {Data: []byte("CREATE TABLE patients (id uuid PRIMARY KEY);")},
		"002_functions.sql": {Data: []byte("SELECT 2;")},
		"003_trigger.sql":   {Data: []byte("SELECT 3;")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_core.sql" {
		t.Errorf("unexpected first migration %+v", migrations[0])
	}
	if migrations[0].SQL != "CREATE TABLE patients (id uuid PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	expected := []int{1, 2, 5, 10}
	if len(migrations) != len(expected) {
		t.Fatalf("expected %d migrations, got %d", len(expected), len(migrations))
	}
	for i, v := range expected {
		if migrations[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_SkipsInvalidNames(t *testing.T) {
	fsys := fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no version prefix")},
		"notes.txt":          {Data: []byte("not sql")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
		"sub/003_nested.sql": {Data: []byte("SELECT 3;")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
}

func TestPendingAndStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_core.sql"},
		{Version: 2, Name: "002_functions.sql"},
		{Version: 3, Name: "003_trigger.sql"},
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	applied := map[int]time.Time{1: at}

	p := pending(migrations, applied)
	if len(p) != 2 || p[0].Version != 2 || p[1].Version != 3 {
		t.Errorf("unexpected pending set %+v", p)
	}

	st := buildStatus(migrations, applied)
	if len(st) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(st))
	}
	if !st[0].Applied || st[0].AppliedAt == nil || !st[0].AppliedAt.Equal(at) {
		t.Errorf("expected 001 applied at %v, got %+v", at, st[0])
	}
	if st[1].Applied || st[1].AppliedAt != nil {
		t.Errorf("expected 002 pending, got %+v", st[1])
	}
}
