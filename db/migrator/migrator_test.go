package migrator

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestMigrationFiles_SortedSQLOnly(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.sql", "001_a.sql", "notes.md", "010_c.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "archive.sql"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	m := New(nil, dir, nil)
	files, err := m.migrationFiles()
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}

	want := []string{"001_a.sql", "002_b.sql", "010_c.sql"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("files = %v, want %v", files, want)
	}
}

func TestMigrationFiles_MissingDir(t *testing.T) {
	m := New(nil, filepath.Join(t.TempDir(), "missing"), nil)
	if _, err := m.migrationFiles(); err == nil {
		t.Error("expected error for missing directory")
	}
}
