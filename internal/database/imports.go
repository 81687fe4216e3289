package database

import (
	"database/sql"
	"time"
)

// DeleteImportsByRemoteURL drops every import batch from the given origin.
// Location associations go with the batch (cascade); the rows themselves stay
// until the next retention pass decides their fate.
func (s *Store) DeleteImportsByRemoteURL(remoteURL string) error {
	_, err := s.db.Exec(`DELETE FROM imports WHERE remote_url = ?`, remoteURL)
	return err
}

func (s *Store) DeleteImportByID(id string) error {
	_, err := s.db.Exec(`DELETE FROM imports WHERE id = ?`, id)
	return err
}

func (s *Store) InsertImport(h ImportHistory) error {
	_, err := s.db.Exec(
		`INSERT INTO imports(id, remote_url, exported_at, imported_at) VALUES(?,?,?,?)`,
		h.ID, h.RemoteURL,
		h.ExportedAt.UTC().Format(time.RFC3339Nano),
		h.ImportedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) AttachImport(localID int64, importID string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO location_imports(location_id, import_id) VALUES(?,?)`,
		localID, importID)
	return err
}

// LastImport returns the most recently ingested batch, or nil.
func (s *Store) LastImport() (*ImportHistory, error) {
	row := s.db.QueryRow(
		`SELECT id, remote_url, exported_at, imported_at FROM imports
		 ORDER BY imported_at DESC, id ASC LIMIT 1`)
	var h ImportHistory
	var exportedAt, importedAt string
	err := row.Scan(&h.ID, &h.RemoteURL, &exportedAt, &importedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h.ExportedAt, _ = time.Parse(time.RFC3339Nano, exportedAt)
	h.ImportedAt, _ = time.Parse(time.RFC3339Nano, importedAt)
	return &h, nil
}

func (s *Store) ImportCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM imports`).Scan(&n)
	return n, err
}
