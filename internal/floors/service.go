package floors

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/PunishXIV/PalacePal/internal/config"
	"github.com/PunishXIV/PalacePal/internal/database"
)

// DiagnosticSink receives background-task failures. Failures never cross back
// into the tick goroutine as panics; they end up here and in the log.
type DiagnosticSink interface {
	RecordError(err error)
}

// Service owns the pre-allocated territory table and performs all merges of
// observed locations. Merge entry points run on the owning tick goroutine;
// persistence runs on background tasks serialized per territory by the
// territory mutex.
type Service struct {
	log          *log.Logger
	db           *database.Store
	cfg          *config.Manager
	debug        DiagnosticSink
	sinceVersion string

	territories map[uint16]*Territory

	// ephemeral is owned by the tick goroutine; no locking.
	ephemeral []*EphemeralLocation

	importRunning atomic.Bool
	tasks         sync.WaitGroup
}

func NewService(logger *log.Logger, db *database.Store, cfg *config.Manager,
	debug DiagnosticSink, sinceVersion string) *Service {
	territories := make(map[uint16]*Territory, len(territoryNames))
	for id := range territoryNames {
		territories[id] = newTerritory(id)
	}
	return &Service{
		log:          logger,
		db:           db,
		cfg:          cfg,
		debug:        debug,
		sinceVersion: sinceVersion,
		territories:  territories,
	}
}

// Wait blocks until all outstanding persistence tasks have finished. Used on
// shutdown and by tests.
func (s *Service) Wait() { s.tasks.Wait() }

func (s *Service) IsImportRunning() bool { return s.importRunning.Load() }

func (s *Service) territory(territoryType uint16) *Territory {
	return s.territories[territoryType]
}

// ChangeTerritory is called whenever the player enters a different territory.
// Ephemeral locations are discarded wholesale; the new territory starts
// loading from the database if it has not been loaded yet.
func (s *Service) ChangeTerritory(territoryType uint16) {
	s.ephemeral = nil

	t := s.territory(territoryType)
	if t == nil {
		return
	}
	t.Mu.Lock()
	start := t.ReadyState == NotLoaded
	if start {
		t.ReadyState = Loading
	}
	t.Mu.Unlock()
	if start {
		s.startLoadTerritory(t)
	}
}

// GetTerritoryIfReady returns the territory iff it is loaded and no import is
// running.
func (s *Service) GetTerritoryIfReady(territoryType uint16) *Territory {
	t := s.territory(territoryType)
	if t == nil {
		return nil
	}
	t.Mu.Lock()
	ready := t.ReadyState == Ready
	t.Mu.Unlock()
	if !ready {
		return nil
	}
	return t
}

func (s *Service) IsReady(territoryType uint16) bool {
	return s.GetTerritoryIfReady(territoryType) != nil
}

// MergePersistentLocations reconciles the currently visible locations into
// the territory. It returns whether the caller must rebuild its rendering of
// the territory, plus the locations whose remote acknowledgement should be
// sent now. Each (location, account) acknowledgement is latched so it is
// requested at most once.
func (s *Service) MergePersistentLocations(territoryType uint16,
	visible []*PersistentLocation, recreateLayout bool) (bool, []*PersistentLocation) {

	t := s.territory(territoryType)
	if t == nil {
		return false, nil
	}

	cfg := s.cfg.Config()
	partialAccountID := ""
	if account := cfg.FindAccount(cfg.ServerURL); account != nil {
		partialAccountID = config.PartialID(account.AccountID)
	}

	t.Mu.Lock()
	defer t.Mu.Unlock()
	if t.ReadyState != Ready {
		return false, nil
	}

	var markAsSeen, newLocations, locationsToSync []*PersistentLocation
	for _, visibleLocation := range visible {
		existing := t.Locations[visibleLocation.Key()]
		if existing != nil {
			if visibleLocation.Seen && !existing.Seen && existing.LocalID != 0 {
				existing.Seen = true
				markAsSeen = append(markAsSeen, existing)
			}

			// Acknowledgements only cover locations this player actually saw.
			if existing.Seen &&
				partialAccountID != "" && existing.LocalID != 0 && existing.NetworkID != "" &&
				!existing.RemoteSeenRequested && !existing.RemoteSeenBy(partialAccountID) {
				existing.RemoteSeenRequested = true
				locationsToSync = append(locationsToSync, existing)
			}
			continue
		}

		t.Locations[visibleLocation.Key()] = visibleLocation
		newLocations = append(newLocations, visibleLocation)
		recreateLayout = true
	}

	if len(markAsSeen) > 0 {
		s.startMarkLocalSeen(t, markAsSeen)
	}
	if len(newLocations) > 0 {
		s.startSaveNewLocations(t, newLocations)
	}
	return recreateLayout, locationsToSync
}

// MergeEphemeralLocations replaces the ephemeral set if it differs from the
// visible one. It is a pure set comparison with a wholesale rebuild; nothing
// is persisted or synced.
func (s *Service) MergeEphemeralLocations(visible []*EphemeralLocation, recreate bool) bool {
	if !recreate {
		current := make(map[Key]struct{}, len(s.ephemeral))
		for _, loc := range s.ephemeral {
			current[loc.Key()] = struct{}{}
		}
		incoming := make(map[Key]struct{}, len(visible))
		for _, loc := range visible {
			incoming[loc.Key()] = struct{}{}
			if _, ok := current[loc.Key()]; !ok {
				recreate = true
			}
		}
		for key := range current {
			if _, ok := incoming[key]; !ok {
				recreate = true
			}
		}
		if !recreate {
			return false
		}
	}

	s.ephemeral = append([]*EphemeralLocation(nil), visible...)
	return true
}

func (s *Service) EphemeralLocations() []*EphemeralLocation {
	return s.ephemeral
}

// LocationsForRender returns a snapshot of the territory's locations for the
// render layer.
func (s *Service) LocationsForRender(territoryType uint16) []*PersistentLocation {
	t := s.GetTerritoryIfReady(territoryType)
	if t == nil {
		return nil
	}
	t.Mu.Lock()
	defer t.Mu.Unlock()
	out := make([]*PersistentLocation, 0, len(t.Locations))
	for _, loc := range t.Locations {
		out = append(out, loc)
	}
	return out
}

// SetToImportState pauses all merge operations for the duration of a bulk
// import.
func (s *Service) SetToImportState() {
	s.importRunning.Store(true)
	for _, t := range s.territories {
		t.Mu.Lock()
		t.ReadyState = Importing
		t.Mu.Unlock()
	}
}

// ResetAll drops all in-memory territory state; territories reload from the
// database on next entry.
func (s *Service) ResetAll() {
	s.importRunning.Store(false)
	for _, t := range s.territories {
		t.Mu.Lock()
		t.resetLocked()
		t.Mu.Unlock()
	}
}

// SyncStateOf reads the territory's sync state.
func (s *Service) SyncStateOf(territoryType uint16) SyncState {
	t := s.territory(territoryType)
	if t == nil {
		return SyncNotAttempted
	}
	t.Mu.Lock()
	defer t.Mu.Unlock()
	return t.SyncState
}

// SetSyncState transitions the territory's sync state.
func (s *Service) SetSyncState(territoryType uint16, state SyncState) {
	t := s.territory(territoryType)
	if t == nil {
		return
	}
	t.Mu.Lock()
	t.SyncState = state
	t.Mu.Unlock()
}

// CollectLocationsToUpload marks and returns every location the remote
// authority does not know yet. The UploadRequested latch prevents duplicate
// submissions.
func (s *Service) CollectLocationsToUpload(territoryType uint16) []*PersistentLocation {
	t := s.territory(territoryType)
	if t == nil {
		return nil
	}
	t.Mu.Lock()
	defer t.Mu.Unlock()
	if t.ReadyState != Ready || t.SyncState != SyncComplete {
		return nil
	}
	var toUpload []*PersistentLocation
	for _, loc := range t.Locations {
		if loc.NetworkID == "" && !loc.UploadRequested {
			loc.UploadRequested = true
			toUpload = append(toUpload, loc)
		}
	}
	return toUpload
}

// AttachNetworkIDs applies a download or upload response: locations already
// known by spatial equality gain the remote id, genuinely new ones are
// inserted (downloads only) and queued for local persistence. Returns whether
// anything new was inserted.
func (s *Service) AttachNetworkIDs(territoryType uint16,
	remote []*PersistentLocation, insertNew bool) bool {

	t := s.GetTerritoryIfReady(territoryType)
	if t == nil {
		return false
	}
	t.Mu.Lock()
	defer t.Mu.Unlock()

	var newLocations []*PersistentLocation
	for _, remoteLocation := range remote {
		if local := t.Locations[remoteLocation.Key()]; local != nil {
			local.NetworkID = remoteLocation.NetworkID
			continue
		}
		if insertNew {
			t.Locations[remoteLocation.Key()] = remoteLocation
			newLocations = append(newLocations, remoteLocation)
		}
	}
	if len(newLocations) > 0 {
		s.startSaveNewLocations(t, newLocations)
	}
	return len(newLocations) > 0
}

// RecordRemoteSeen applies a mark-seen response: the acknowledging account is
// appended to each location's encounter list and persisted.
func (s *Service) RecordRemoteSeen(territoryType uint16,
	remote []*PersistentLocation, partialAccountID string) {

	if partialAccountID == "" {
		return
	}
	t := s.GetTerritoryIfReady(territoryType)
	if t == nil {
		return
	}
	t.Mu.Lock()
	defer t.Mu.Unlock()

	var toUpdate []*PersistentLocation
	for _, remoteLocation := range remote {
		if local := t.Locations[remoteLocation.Key()]; local != nil {
			local.RemoteSeenOn = append(local.RemoteSeenOn, partialAccountID)
			toUpdate = append(toUpdate, local)
		}
	}
	if len(toUpdate) > 0 {
		s.startMarkRemoteSeen(t, toUpdate, partialAccountID)
	}
}
