package imports

import (
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/PunishXIV/PalacePal/internal/config"
	"github.com/PunishXIV/PalacePal/internal/database"
	"github.com/PunishXIV/PalacePal/internal/export"
	"github.com/PunishXIV/PalacePal/internal/floors"
)

func newTestService(t *testing.T) (*Service, *database.Store) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	dir := t.TempDir()

	db, err := database.Open(filepath.Join(dir, "palace.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mgr, err := config.NewManager(filepath.Join(dir, "palacepal.yaml"), logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	fl := floors.NewService(logger, db, mgr, nil, "2.0")
	return NewService(logger, db, fl, mgr, "2.0"), db
}

func snapshot(exportID string, createdAt time.Time) *export.Root {
	return &export.Root{
		Header: export.Header{
			Version:   export.CurrentVersion,
			ExportID:  exportID,
			ServerURL: "wss://example.com/ws",
			CreatedAt: createdAt,
		},
		Floors: []export.Floor{
			{
				TerritoryType: 561,
				Objects: []export.Object{
					{Type: export.ObjectTrap, X: 10, Y: 0, Z: 5},
					{Type: export.ObjectHoard, X: 3, Y: 0, Z: 7},
				},
			},
		},
	}
}

func TestImport_InsertsAndCounts(t *testing.T) {
	svc, db := newTestService(t)

	result, err := svc.Import(snapshot("33333333-3333-3333-3333-333333333333", time.Now()))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if result.ImportedTraps != 1 || result.ImportedHoards != 1 {
		t.Fatalf("result = %+v", result)
	}

	rows, err := db.LocationsByTerritory(561)
	if err != nil {
		t.Fatalf("LocationsByTerritory: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	for _, row := range rows {
		if row.Source != database.SourceImport {
			t.Fatalf("source = %d, want import", row.Source)
		}
		if row.SinceVersion != "2.0" {
			t.Fatalf("since_version = %q, want 2.0", row.SinceVersion)
		}
	}
}

func TestImport_SameOriginReplacesBatch(t *testing.T) {
	svc, db := newTestService(t)

	if _, err := svc.Import(snapshot("33333333-3333-3333-3333-333333333333", time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("first Import: %v", err)
	}

	// The newer snapshot from the same origin drops one object.
	second := snapshot("66666666-6666-6666-6666-666666666666", time.Now())
	second.Floors[0].Objects = second.Floors[0].Objects[:1]
	if _, err := svc.Import(second); err != nil {
		t.Fatalf("second Import: %v", err)
	}

	last, err := svc.FindLast()
	if err != nil {
		t.Fatalf("FindLast: %v", err)
	}
	if last == nil || last.ID != "66666666-6666-6666-6666-666666666666" {
		t.Fatalf("last = %+v", last)
	}
	if n, err := db.ImportCount(); err != nil || n != 1 {
		t.Fatalf("ImportCount = %d (%v), want 1", n, err)
	}

	// The object only the replaced batch referenced fell out in the purge.
	rows, err := db.LocationsByTerritory(561)
	if err != nil {
		t.Fatalf("LocationsByTerritory: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
}

func TestImport_RejectsInvalidSnapshots(t *testing.T) {
	svc, db := newTestService(t)

	bad := snapshot("33333333-3333-3333-3333-333333333333", time.Now())
	bad.Header.Version = 1
	if _, err := svc.Import(bad); err == nil {
		t.Fatalf("Import accepted an unsupported version")
	}

	rows, err := db.LocationsByTerritory(561)
	if err != nil {
		t.Fatalf("LocationsByTerritory: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("invalid snapshot left %d rows behind", len(rows))
	}
}

func TestRemoveByID_PurgesBatchRows(t *testing.T) {
	svc, db := newTestService(t)

	if _, err := svc.Import(snapshot("33333333-3333-3333-3333-333333333333", time.Now())); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if err := svc.RemoveByID("33333333-3333-3333-3333-333333333333"); err != nil {
		t.Fatalf("RemoveByID: %v", err)
	}

	last, err := svc.FindLast()
	if err != nil {
		t.Fatalf("FindLast: %v", err)
	}
	if last != nil {
		t.Fatalf("batch still present: %+v", last)
	}
	rows, err := db.LocationsByTerritory(561)
	if err != nil {
		t.Fatalf("LocationsByTerritory: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows = %d, want 0 after undo", len(rows))
	}
}
