package export

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func sampleRoot() *Root {
	return &Root{
		Header: Header{
			Version:   CurrentVersion,
			ExportID:  "33333333-3333-3333-3333-333333333333",
			ServerURL: "wss://example.com/ws",
			CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
		Floors: []Floor{
			{
				TerritoryType: 561,
				Objects: []Object{
					{Type: ObjectTrap, X: 10, Y: 0, Z: 5},
					{Type: ObjectHoard, X: 3.5, Y: 0, Z: 7.25},
				},
			},
			{TerritoryType: 562, Objects: []Object{{Type: ObjectTrap, X: -4, Y: 0, Z: 9}}},
		},
	}
}

func TestWriteRead_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.pal")
	root := sampleRoot()
	if err := Write(path, root); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Header != root.Header {
		t.Fatalf("Header = %+v, want %+v", got.Header, root.Header)
	}
	if len(got.Floors) != 2 || len(got.Floors[0].Objects) != 2 {
		t.Fatalf("floors = %+v", got.Floors)
	}
	if got.Floors[0].Objects[1] != root.Floors[0].Objects[1] {
		t.Fatalf("object = %+v", got.Floors[0].Objects[1])
	}
}

func TestValidate(t *testing.T) {
	root := sampleRoot()
	if err := Validate(root); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	old := sampleRoot()
	old.Header.Version = 1
	if err := Validate(old); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("Validate old version: %v", err)
	}

	badID := sampleRoot()
	badID.Header.ExportID = "not-a-uuid"
	if err := Validate(badID); !errors.Is(err, ErrInvalidExportID) {
		t.Fatalf("Validate bad id: %v", err)
	}

	noURL := sampleRoot()
	noURL.Header.ServerURL = ""
	if err := Validate(noURL); !errors.Is(err, ErrNoServerURL) {
		t.Fatalf("Validate no url: %v", err)
	}
}
