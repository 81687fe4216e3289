package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/PunishXIV/PalacePal/internal/palacemath"
)

// poolKey is the dedup identity of a location in the global pool: its type
// plus the quantized position.
type poolKey struct {
	Type   int
	Bucket palacemath.Bucket
}

func keyOf(loc ServerLocation) poolKey {
	return poolKey{
		Type:   loc.Type,
		Bucket: palacemath.BucketOf(palacemath.Vector3{X: loc.X, Y: loc.Y, Z: loc.Z}),
	}
}

type territoryPool struct {
	mu     sync.RWMutex
	loaded bool
	byKey  map[poolKey]ServerLocation
}

// pool is the in-memory view of the locations table, loaded lazily per
// territory. All dedup decisions happen here so two concurrent uploads of the
// same spot cannot both insert.
type pool struct {
	store *Store

	mu          sync.Mutex
	territories map[uint16]*territoryPool
}

func newPool(store *Store) *pool {
	return &pool{store: store, territories: map[uint16]*territoryPool{}}
}

func (p *pool) territory(territoryType uint16) *territoryPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	tp := p.territories[territoryType]
	if tp == nil {
		tp = &territoryPool{byKey: map[poolKey]ServerLocation{}}
		p.territories[territoryType] = tp
	}
	return tp
}

// loadLocked fills the cache from the store on first use. Caller holds the
// write lock.
func (tp *territoryPool) loadLocked(store *Store, territoryType uint16) error {
	if tp.loaded {
		return nil
	}
	rows, err := store.LocationsByTerritory(territoryType)
	if err != nil {
		return err
	}
	for _, row := range rows {
		tp.byKey[keyOf(row)] = row
	}
	tp.loaded = true
	return nil
}

// Snapshot returns a copy of the territory's locations.
func (p *pool) Snapshot(territoryType uint16) ([]ServerLocation, error) {
	tp := p.territory(territoryType)
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if err := tp.loadLocked(p.store, territoryType); err != nil {
		return nil, err
	}
	out := make([]ServerLocation, 0, len(tp.byKey))
	for _, loc := range tp.byKey {
		out = append(out, loc)
	}
	return out, nil
}

// Reconcile resolves each incoming location against the pool: a spatial match
// yields the existing row, anything else is minted, persisted, and cached.
// The returned slice is aligned with the input.
func (p *pool) Reconcile(territoryType uint16, incoming []ServerLocation) ([]ServerLocation, error) {
	tp := p.territory(territoryType)
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if err := tp.loadLocked(p.store, territoryType); err != nil {
		return nil, err
	}

	results := make([]ServerLocation, len(incoming))
	var created []ServerLocation
	seen := map[poolKey]int{}
	for i, loc := range incoming {
		key := keyOf(loc)
		if existing, ok := tp.byKey[key]; ok {
			results[i] = existing
			continue
		}
		// Duplicate within the same request resolves to the first instance.
		if j, ok := seen[key]; ok {
			results[i] = results[j]
			continue
		}
		loc.ID = uuid.NewString()
		loc.TerritoryType = territoryType
		results[i] = loc
		created = append(created, loc)
		seen[key] = i
	}

	if err := p.store.InsertLocations(created); err != nil {
		return nil, err
	}
	for _, loc := range created {
		tp.byKey[keyOf(loc)] = loc
	}
	return results, nil
}
