package floors

import (
	"fmt"

	"github.com/PunishXIV/PalacePal/internal/config"
	"github.com/PunishXIV/PalacePal/internal/database"
)

// startTask runs fn off the tick goroutine. Errors are logged and forwarded
// to the diagnostic sink; they never panic across goroutines.
func (s *Service) startTask(name string, fn func() error) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		if err := fn(); err != nil {
			s.log.Printf("%s: %v", name, err)
			if s.debug != nil {
				s.debug.RecordError(fmt.Errorf("%s: %w", name, err))
			}
		}
	}()
}

// startLoadTerritory purges stale rows for the territory, then loads the
// remainder into memory. The territory was flipped to Loading by the caller.
func (s *Service) startLoadTerritory(t *Territory) {
	online := s.cfg.Mode() == config.ModeOnline
	s.startTask(fmt.Sprintf("load territory %d", t.TerritoryType), func() error {
		if _, err := s.db.PurgeTerritory(t.TerritoryType, online); err != nil {
			return err
		}
		rows, err := s.db.LocationsByTerritory(t.TerritoryType)
		if err != nil {
			t.Mu.Lock()
			t.ReadyState = NotLoaded
			t.Mu.Unlock()
			return err
		}

		locations := make([]*PersistentLocation, 0, len(rows))
		for _, row := range rows {
			loc, err := ToMemoryLocation(row)
			if err != nil {
				s.log.Printf("skipping row %d: %v", row.LocalID, err)
				continue
			}
			locations = append(locations, loc)
		}

		t.Mu.Lock()
		defer t.Mu.Unlock()
		if t.ReadyState != Loading {
			// An import started while we were reading; its reset wins.
			return nil
		}
		t.initializeLocked(locations)
		s.log.Printf("loaded %d locations for %s", len(locations), TerritoryName(t.TerritoryType))
		return nil
	})
}

// startSaveNewLocations persists locations that just entered the in-memory
// set. LocalIDs are written back under the territory lock once the insert
// committed.
func (s *Service) startSaveNewLocations(t *Territory, locations []*PersistentLocation) {
	s.startTask("save new locations", func() error {
		t.Mu.Lock()
		rows := make([]*database.Location, 0, len(locations))
		kept := make([]*PersistentLocation, 0, len(locations))
		for _, loc := range locations {
			row, err := ToDatabaseLocation(loc, t.TerritoryType, s.sinceVersion)
			if err != nil {
				s.log.Printf("not persisting %v: %v", loc, err)
				continue
			}
			rows = append(rows, row)
			kept = append(kept, loc)
		}
		t.Mu.Unlock()

		if err := s.db.InsertLocations(rows); err != nil {
			return err
		}

		t.Mu.Lock()
		for i, loc := range kept {
			loc.LocalID = rows[i].LocalID
		}
		t.Mu.Unlock()
		return nil
	})
}

// startMarkLocalSeen flips the seen flag on durable rows. The in-memory flag
// was already set by the merge.
func (s *Service) startMarkLocalSeen(t *Territory, locations []*PersistentLocation) {
	s.startTask("mark locations seen", func() error {
		t.Mu.Lock()
		ids := make([]int64, 0, len(locations))
		for _, loc := range locations {
			if loc.LocalID != 0 {
				ids = append(ids, loc.LocalID)
			}
		}
		t.Mu.Unlock()
		return s.db.MarkSeen(ids)
	})
}

// startMarkRemoteSeen records which account acknowledged the locations.
func (s *Service) startMarkRemoteSeen(t *Territory, locations []*PersistentLocation, partialAccountID string) {
	s.startTask("mark locations remote-seen", func() error {
		t.Mu.Lock()
		ids := make([]int64, 0, len(locations))
		for _, loc := range locations {
			if loc.LocalID != 0 {
				ids = append(ids, loc.LocalID)
			}
		}
		t.Mu.Unlock()
		return s.db.AddRemoteEncounters(ids, partialAccountID)
	})
}
