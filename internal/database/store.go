// Package database is the durable local store for trap/hoard locations.
// All access goes through short-lived statements on a pooled *sql.DB, never a
// long-held connection, so the backup routine can safely snapshot the file.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type LocationType int

const (
	LocationTrap  LocationType = 1
	LocationHoard LocationType = 2
)

type Source int

const (
	SourceUnknown         Source = 0
	SourceSeenLocally     Source = 1
	SourceExplodedLocally Source = 2
	SourceImport          Source = 3
	SourceDownload        Source = 4
)

// Location is one durable row. RemoteSeenOn carries the partial account ids
// from the remote_encounters table.
type Location struct {
	LocalID       int64
	TerritoryType uint16
	Type          LocationType
	X             float32
	Y             float32
	Z             float32
	Seen          bool
	Source        Source
	SinceVersion  string
	RemoteSeenOn  []string
}

type ImportHistory struct {
	ID         string
	RemoteURL  string
	ExportedAt time.Time
	ImportedAt time.Time
}

type Store struct {
	db  *sql.DB
	log *log.Logger
}

func Open(path string, logger *log.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, log: logger}, nil
}

func initPragmas(db *sql.DB) error {
	// WAL keeps readers unblocked while background tasks write.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS locations (
			local_id INTEGER PRIMARY KEY AUTOINCREMENT,
			territory_type INTEGER NOT NULL,
			type INTEGER NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			seen INTEGER NOT NULL DEFAULT 0,
			source INTEGER NOT NULL DEFAULT 0,
			since_version TEXT NOT NULL DEFAULT '0.0'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_locations_territory ON locations(territory_type);`,
		`CREATE TABLE IF NOT EXISTS imports (
			id TEXT PRIMARY KEY,
			remote_url TEXT NOT NULL,
			exported_at TEXT NOT NULL,
			imported_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS location_imports (
			location_id INTEGER NOT NULL REFERENCES locations(local_id) ON DELETE CASCADE,
			import_id TEXT NOT NULL REFERENCES imports(id) ON DELETE CASCADE,
			PRIMARY KEY (location_id, import_id)
		);`,
		`CREATE TABLE IF NOT EXISTS remote_encounters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			location_id INTEGER NOT NULL REFERENCES locations(local_id) ON DELETE CASCADE,
			account_id TEXT NOT NULL,
			UNIQUE (location_id, account_id)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) LocationsByTerritory(territoryType uint16) ([]Location, error) {
	rows, err := s.db.Query(
		`SELECT local_id, territory_type, type, x, y, z, seen, source, since_version
		 FROM locations WHERE territory_type = ?`, territoryType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []Location
	byID := map[int64]int{}
	for rows.Next() {
		var loc Location
		if err := rows.Scan(&loc.LocalID, &loc.TerritoryType, &loc.Type,
			&loc.X, &loc.Y, &loc.Z, &loc.Seen, &loc.Source, &loc.SinceVersion); err != nil {
			return nil, err
		}
		byID[loc.LocalID] = len(locations)
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	encounters, err := s.db.Query(
		`SELECT e.location_id, e.account_id FROM remote_encounters e
		 JOIN locations l ON l.local_id = e.location_id
		 WHERE l.territory_type = ?`, territoryType)
	if err != nil {
		return nil, err
	}
	defer encounters.Close()
	for encounters.Next() {
		var locationID int64
		var accountID string
		if err := encounters.Scan(&locationID, &accountID); err != nil {
			return nil, err
		}
		if i, ok := byID[locationID]; ok {
			locations[i].RemoteSeenOn = append(locations[i].RemoteSeenOn, accountID)
		}
	}
	return locations, encounters.Err()
}

// InsertLocations stores new rows and assigns each location its LocalID.
func (s *Store) InsertLocations(locations []*Location) error {
	if len(locations) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(
		`INSERT INTO locations(territory_type, type, x, y, z, seen, source, since_version)
		 VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, loc := range locations {
		res, err := stmt.Exec(loc.TerritoryType, loc.Type, loc.X, loc.Y, loc.Z,
			loc.Seen, loc.Source, loc.SinceVersion)
		if err != nil {
			return err
		}
		loc.LocalID, err = res.LastInsertId()
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) MarkSeen(localIDs []int64) error {
	if len(localIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.Prepare(`UPDATE locations SET seen = 1 WHERE local_id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range localIDs {
		if _, err := stmt.Exec(id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AddRemoteEncounters records that accountID acknowledged the given
// locations. The (location, account) pair is unique; repeats are ignored.
func (s *Store) AddRemoteEncounters(localIDs []int64, accountID string) error {
	if len(localIDs) == 0 || accountID == "" {
		return nil
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO remote_encounters(location_id, account_id) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range localIDs {
		if _, err := stmt.Exec(id, accountID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
