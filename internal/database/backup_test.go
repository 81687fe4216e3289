package database

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBackup_WritesCompressedCopy(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "palace.db")

	store, err := Open(dbPath, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	loc := &Location{TerritoryType: 561, Type: LocationTrap, X: 1, Seen: true, Source: SourceSeenLocally}
	if err := store.InsertLocations([]*Location{loc}); err != nil {
		t.Fatalf("InsertLocations: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	backupDir := filepath.Join(dir, "backups")
	target, err := Backup(context.Background(), dbPath, backupDir)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("Stat backup: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("backup is empty")
	}
}

func TestRemoveOldBackups_KeepsNewest(t *testing.T) {
	dir := t.TempDir()

	stamps := []time.Time{
		time.Now().UTC().AddDate(0, 0, -40),
		time.Now().UTC().AddDate(0, 0, -30),
		time.Now().UTC().AddDate(0, 0, -2),
		time.Now().UTC(),
	}
	for _, at := range stamps {
		name := "palace-" + at.Format(backupTimeFormat) + ".db.zst"
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	removed, err := RemoveOldBackups(dir, 2, 21)
	if err != nil {
		t.Fatalf("RemoveOldBackups: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Fatalf("remaining = %d, want 2", len(entries))
	}

	// Old backups within the minimum are never deleted.
	removed, err = RemoveOldBackups(dir, 3, 0)
	if err != nil {
		t.Fatalf("RemoveOldBackups: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
}
