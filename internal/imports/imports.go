// Package imports ingests snapshot files into the local database and undoes
// earlier ingestions.
package imports

import (
	"fmt"
	"log"
	"time"

	"github.com/PunishXIV/PalacePal/internal/config"
	"github.com/PunishXIV/PalacePal/internal/database"
	"github.com/PunishXIV/PalacePal/internal/export"
	"github.com/PunishXIV/PalacePal/internal/floors"
	"github.com/PunishXIV/PalacePal/internal/palacemath"
)

type Service struct {
	log     *log.Logger
	db      *database.Store
	floors  *floors.Service
	cfg     *config.Manager
	version string
}

func NewService(logger *log.Logger, db *database.Store, fl *floors.Service,
	cfg *config.Manager, version string) *Service {
	return &Service{log: logger, db: db, floors: fl, cfg: cfg, version: version}
}

// Result summarizes what an import changed.
type Result struct {
	ImportedTraps  int
	ImportedHoards int
}

type rowKey struct {
	locType database.LocationType
	bucket  palacemath.Bucket
}

func keyOf(locType database.LocationType, x, y, z float32) rowKey {
	return rowKey{locType: locType, bucket: palacemath.BucketOf(palacemath.Vector3{X: x, Y: y, Z: z})}
}

// Import ingests a validated snapshot. Earlier batches from the same origin
// are replaced, not stacked; rows only they referenced fall out in the purge
// afterwards. All in-memory territory state is rebuilt once the import ends,
// successful or not.
func (s *Service) Import(root *export.Root) (*Result, error) {
	if err := export.Validate(root); err != nil {
		return nil, err
	}

	s.floors.SetToImportState()
	defer s.floors.ResetAll()

	if err := s.db.DeleteImportsByRemoteURL(root.Header.ServerURL); err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	history := database.ImportHistory{
		ID:         root.Header.ExportID,
		RemoteURL:  root.Header.ServerURL,
		ExportedAt: root.Header.CreatedAt,
		ImportedAt: time.Now().UTC(),
	}
	if err := s.db.InsertImport(history); err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}

	result := &Result{}
	for _, floor := range root.Floors {
		if !floors.IsKnownTerritory(floor.TerritoryType) {
			s.log.Printf("skipping unknown territory %d", floor.TerritoryType)
			continue
		}
		if err := s.importFloor(history.ID, floor, result); err != nil {
			return nil, fmt.Errorf("import territory %d: %w", floor.TerritoryType, err)
		}
	}

	online := s.cfg.Mode() == config.ModeOnline
	if _, err := s.db.PurgeAll(online); err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	s.log.Printf("imported %d traps and %d hoard coffers from %s",
		result.ImportedTraps, result.ImportedHoards, root.Header.ServerURL)
	return result, nil
}

// importFloor associates each snapshot object with an existing row by
// spatial equality, inserting rows for objects seen for the first time.
func (s *Service) importFloor(importID string, floor export.Floor, result *Result) error {
	existing, err := s.db.LocationsByTerritory(floor.TerritoryType)
	if err != nil {
		return err
	}
	byKey := make(map[rowKey]int64, len(existing))
	for _, row := range existing {
		byKey[keyOf(row.Type, row.X, row.Y, row.Z)] = row.LocalID
	}

	for _, obj := range floor.Objects {
		var locType database.LocationType
		switch obj.Type {
		case export.ObjectTrap:
			locType = database.LocationTrap
			result.ImportedTraps++
		case export.ObjectHoard:
			locType = database.LocationHoard
			result.ImportedHoards++
		default:
			continue
		}

		key := keyOf(locType, obj.X, obj.Y, obj.Z)
		localID, ok := byKey[key]
		if !ok {
			row := &database.Location{
				TerritoryType: floor.TerritoryType,
				Type:          locType,
				X:             obj.X,
				Y:             obj.Y,
				Z:             obj.Z,
				Source:        database.SourceImport,
				SinceVersion:  s.version,
			}
			if err := s.db.InsertLocations([]*database.Location{row}); err != nil {
				return err
			}
			localID = row.LocalID
			byKey[key] = localID
		}
		if err := s.db.AttachImport(localID, importID); err != nil {
			return err
		}
	}
	return nil
}

// RemoveByID undoes one import batch. Rows kept alive only by that batch are
// purged.
func (s *Service) RemoveByID(exportID string) error {
	s.floors.SetToImportState()
	defer s.floors.ResetAll()

	if err := s.db.DeleteImportByID(exportID); err != nil {
		return fmt.Errorf("undo import: %w", err)
	}
	online := s.cfg.Mode() == config.ModeOnline
	if _, err := s.db.PurgeAll(online); err != nil {
		return fmt.Errorf("undo import: %w", err)
	}
	return nil
}

// FindLast returns the most recent import batch, or nil.
func (s *Service) FindLast() (*database.ImportHistory, error) {
	return s.db.LastImport()
}
