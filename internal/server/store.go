// Package server implements the remote authority: account issuance, token
// auth, and the global trap/hoard location pool clients sync against.
package server

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PunishXIV/PalacePal/internal/protocol"
)

// RoleDefault is granted to every account. The other roles gate privileged
// operations and are assigned out of band.
const (
	RoleDefault        = protocol.RoleDefault
	RoleStatisticsView = protocol.RoleStatisticsView
	RoleExportRun      = protocol.RoleExportRun
)

type Account struct {
	ID          string
	CreatedAt   time.Time
	CreatedFrom string
	Roles       []string
}

// ServerLocation is one row of the global pool. SeenCount is filled only by
// queries that join the sightings table.
type ServerLocation struct {
	ID            string
	TerritoryType uint16
	Type          int
	X             float32
	Y             float32
	Z             float32
	AccountID     string
	CreatedAt     time.Time
	SeenCount     int
}

type Store struct {
	db  *sql.DB
	log *log.Logger
}

func OpenStore(path string, logger *log.Logger) (*Store, error) {
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
	s := &Store{db: db, log: logger}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS global_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			created_from TEXT NOT NULL,
			last_seen_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_created_from ON accounts(created_from);`,
		`CREATE TABLE IF NOT EXISTS account_roles (
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			PRIMARY KEY (account_id, role)
		);`,
		`CREATE TABLE IF NOT EXISTS locations (
			id TEXT PRIMARY KEY,
			territory_type INTEGER NOT NULL,
			type INTEGER NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			account_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_locations_territory ON locations(territory_type);`,
		`CREATE TABLE IF NOT EXISTS sightings (
			location_id TEXT NOT NULL REFERENCES locations(id) ON DELETE CASCADE,
			account_id TEXT NOT NULL,
			seen_at TEXT NOT NULL,
			PRIMARY KEY (location_id, account_id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Setting reads a global setting, returning fallback when unset.
func (s *Store) Setting(key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM global_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO global_settings(key, value) VALUES(?,?)`, key, value)
	return err
}

// FindAccountByOrigin returns the newest account created from the given
// hashed address, or nil. Used to hand the same account back instead of
// minting one per connection.
func (s *Store) FindAccountByOrigin(createdFrom string) (*Account, error) {
	row := s.db.QueryRow(
		`SELECT id, created_at FROM accounts WHERE created_from = ?
		 ORDER BY created_at DESC LIMIT 1`, createdFrom)
	var a Account
	var createdAt string
	err := row.Scan(&a.ID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.CreatedFrom = createdFrom
	a.Roles, err = s.accountRoles(a.ID)
	return &a, err
}

func (s *Store) CreateAccount(id, createdFrom string) (*Account, error) {
	now := time.Now().UTC()
	stamp := now.Format(time.RFC3339Nano)
	if _, err := s.db.Exec(
		`INSERT INTO accounts(id, created_at, created_from, last_seen_at) VALUES(?,?,?,?)`,
		id, stamp, createdFrom, stamp); err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(
		`INSERT INTO account_roles(account_id, role) VALUES(?,?)`, id, RoleDefault); err != nil {
		return nil, err
	}
	return &Account{ID: id, CreatedAt: now, CreatedFrom: createdFrom, Roles: []string{RoleDefault}}, nil
}

// FindAccount returns the account or nil when the id is unknown.
func (s *Store) FindAccount(id string) (*Account, error) {
	row := s.db.QueryRow(`SELECT id, created_at, created_from FROM accounts WHERE id = ?`, id)
	var a Account
	var createdAt string
	err := row.Scan(&a.ID, &createdAt, &a.CreatedFrom)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.Roles, err = s.accountRoles(a.ID)
	return &a, err
}

func (s *Store) accountRoles(accountID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT role FROM account_roles WHERE account_id = ? ORDER BY role`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *Store) GrantRole(accountID, role string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO account_roles(account_id, role) VALUES(?,?)`, accountID, role)
	return err
}

func (s *Store) TouchAccount(accountID string) error {
	_, err := s.db.Exec(`UPDATE accounts SET last_seen_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), accountID)
	return err
}

func (s *Store) LocationsByTerritory(territoryType uint16) ([]ServerLocation, error) {
	rows, err := s.db.Query(
		`SELECT id, territory_type, type, x, y, z, account_id, created_at
		 FROM locations WHERE territory_type = ?`, territoryType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var locations []ServerLocation
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

func scanLocation(rows *sql.Rows) (ServerLocation, error) {
	var loc ServerLocation
	var createdAt string
	err := rows.Scan(&loc.ID, &loc.TerritoryType, &loc.Type,
		&loc.X, &loc.Y, &loc.Z, &loc.AccountID, &createdAt)
	if err != nil {
		return loc, err
	}
	loc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return loc, nil
}

func (s *Store) InsertLocations(locations []ServerLocation) error {
	if len(locations) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.Prepare(
		`INSERT INTO locations(id, territory_type, type, x, y, z, account_id, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, loc := range locations {
		if _, err := stmt.Exec(loc.ID, loc.TerritoryType, loc.Type,
			loc.X, loc.Y, loc.Z, loc.AccountID,
			loc.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkSeen records that the account sighted each location. Repeats per
// (location, account) pair are ignored.
func (s *Store) MarkSeen(accountID string, locationIDs []string) error {
	if len(locationIDs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO sightings(location_id, account_id, seen_at)
		 SELECT id, ?, ? FROM locations WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range locationIDs {
		if _, err := stmt.Exec(accountID, stamp, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TerritoryStatistics counts traps and hoards per territory.
func (s *Store) TerritoryStatistics() (map[uint16][2]int, error) {
	rows, err := s.db.Query(
		`SELECT territory_type, type, COUNT(*) FROM locations GROUP BY territory_type, type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := map[uint16][2]int{}
	for rows.Next() {
		var territoryType uint16
		var locType, count int
		if err := rows.Scan(&territoryType, &locType, &count); err != nil {
			return nil, err
		}
		entry := stats[territoryType]
		switch locType {
		case 1:
			entry[0] = count
		case 2:
			entry[1] = count
		}
		stats[territoryType] = entry
	}
	return stats, rows.Err()
}

// ExportableLocations returns locations with at least minSightings distinct
// sightings, the confirmation bar for snapshot exports.
func (s *Store) ExportableLocations(minSightings int) ([]ServerLocation, error) {
	rows, err := s.db.Query(
		`SELECT l.id, l.territory_type, l.type, l.x, l.y, l.z, l.account_id, l.created_at,
		        COUNT(s.account_id) AS seen_count
		 FROM locations l
		 JOIN sightings s ON s.location_id = l.id
		 GROUP BY l.id
		 HAVING seen_count >= ?
		 ORDER BY l.territory_type`, minSightings)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var locations []ServerLocation
	for rows.Next() {
		var loc ServerLocation
		var createdAt string
		if err := rows.Scan(&loc.ID, &loc.TerritoryType, &loc.Type,
			&loc.X, &loc.Y, &loc.Z, &loc.AccountID, &createdAt, &loc.SeenCount); err != nil {
			return nil, err
		}
		loc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}
