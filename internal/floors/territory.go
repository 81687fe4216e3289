package floors

import (
	"sort"
	"sync"
)

// Known deep-dungeon territory ids. Territories are pre-allocated at startup
// from this table, never created on demand.
var territoryNames = map[uint16]string{
	561: "Palace 1-10", 562: "Palace 11-20", 563: "Palace 21-30",
	564: "Palace 31-40", 565: "Palace 41-50",
	593: "Palace 51-60", 594: "Palace 61-70", 595: "Palace 71-80",
	596: "Palace 81-90", 597: "Palace 91-100", 598: "Palace 101-110",
	599: "Palace 111-120", 600: "Palace 121-130", 601: "Palace 131-140",
	602: "Palace 141-150", 603: "Palace 151-160", 604: "Palace 161-170",
	605: "Palace 171-180", 606: "Palace 181-190", 607: "Palace 191-200",

	770: "Heaven on High 1-10", 771: "Heaven on High 11-20",
	772: "Heaven on High 21-30", 782: "Heaven on High 31-40",
	773: "Heaven on High 41-50", 783: "Heaven on High 51-60",
	774: "Heaven on High 61-70", 784: "Heaven on High 71-80",
	775: "Heaven on High 81-90", 785: "Heaven on High 91-100",
}

func IsKnownTerritory(territoryType uint16) bool {
	_, ok := territoryNames[territoryType]
	return ok
}

func TerritoryName(territoryType uint16) string {
	if name, ok := territoryNames[territoryType]; ok {
		return name
	}
	return "unknown"
}

func KnownTerritories() []uint16 {
	ids := make([]uint16, 0, len(territoryNames))
	for id := range territoryNames {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type ReadyState int

const (
	NotLoaded ReadyState = iota
	// Loading: the load task is reading this territory from the database.
	Loading
	// Ready: locations loaded, no import running.
	Ready
	// Importing: a bulk import is running; merges are paused.
	Importing
)

type SyncState int

const (
	SyncNotAttempted SyncState = iota
	SyncStarted
	SyncComplete
	SyncFailed
)

// Territory is one floor group held entirely in memory. Locations and both
// state fields may only be touched while holding Mu; the mutex is shared
// between the owning tick goroutine and background persistence tasks, and is
// never held across network I/O.
type Territory struct {
	TerritoryType uint16

	Mu         sync.Mutex
	ReadyState ReadyState
	SyncState  SyncState
	Locations  map[Key]*PersistentLocation
}

func newTerritory(territoryType uint16) *Territory {
	return &Territory{
		TerritoryType: territoryType,
		Locations:     map[Key]*PersistentLocation{},
	}
}

// initializeLocked replaces the location set and flips the territory to
// Ready. Caller holds Mu.
func (t *Territory) initializeLocked(locations []*PersistentLocation) {
	t.Locations = make(map[Key]*PersistentLocation, len(locations))
	for _, loc := range locations {
		t.Locations[loc.Key()] = loc
	}
	t.ReadyState = Ready
}

// resetLocked drops all in-memory state. Durable rows are unaffected. Caller
// holds Mu.
func (t *Territory) resetLocked() {
	t.Locations = map[Key]*PersistentLocation{}
	t.SyncState = SyncNotAttempted
	t.ReadyState = NotLoaded
}
