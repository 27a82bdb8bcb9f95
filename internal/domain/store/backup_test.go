package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseBackupName(t *testing.T) {
	at := time.Date(2024, 3, 9, 15, 4, 5, 0, time.UTC)
	name := backupPrefix + at.Format(backupTimestampFormat) + ".db"

	got, ok := parseBackupName(name)
	if !ok {
		t.Fatalf("parseBackupName(%q) not recognized", name)
	}
	if !got.Equal(at) {
		t.Fatalf("parseBackupName(%q) = %v, want %v", name, got, at)
	}

	for _, bad := range []string{
		"unrelated.db",
		backupPrefix + "not-a-timestamp.db",
		backupPrefix + at.Format(backupTimestampFormat) + ".txt",
	} {
		if _, ok := parseBackupName(bad); ok {
			t.Errorf("parseBackupName(%q) unexpectedly recognized", bad)
		}
	}
}

func TestBackupSnapshotsDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	backupTo := filepath.Join(dir, "backup")
	if err := s.Backup(dbPath, backupTo); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	entries, err := os.ReadDir(backupTo)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 backup file, got %d", len(entries))
	}
	if _, ok := parseBackupName(entries[0].Name()); !ok {
		t.Fatalf("backup file %q does not carry the expected name shape", entries[0].Name())
	}
}
