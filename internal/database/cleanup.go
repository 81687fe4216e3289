package database

// Retention policy. A row is purged when it was never personally seen, no
// import batch references it, and its source is neither SeenLocally nor
// ExplodedLocally. While online, download-sourced rows are additionally
// exempt from purging.
const purgeWhere = `
	seen = 0
	AND source NOT IN (1, 2)
	AND NOT EXISTS (
		SELECT 1 FROM location_imports li WHERE li.location_id = locations.local_id
	)
	AND (? = 0 OR source != 4)`

// PurgeTerritory removes stale rows for a single territory; it runs before
// every territory load so outdated rows never reach the in-memory store.
func (s *Store) PurgeTerritory(territoryType uint16, online bool) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM locations WHERE territory_type = ? AND `+purgeWhere,
		territoryType, boolToInt(online))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Printf("cleaned up %d outdated locations for territory %d", n, territoryType)
	}
	return n, nil
}

// PurgeAll removes stale rows across all territories; it runs at startup and
// after every bulk mutation (import, import undo).
func (s *Store) PurgeAll(online bool) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM locations WHERE `+purgeWhere, boolToInt(online))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	s.log.Printf("cleaned up %d outdated locations", n)
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
