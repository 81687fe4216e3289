// Package export reads and writes floor snapshot files. A snapshot carries
// every sufficiently-confirmed trap and hoard location of an origin server so
// another client can import them without talking to that server.
package export

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// CurrentVersion is the only snapshot version this build understands. Older
// files are rejected outright instead of being half-imported.
const CurrentVersion = 2

var (
	ErrVersionMismatch = errors.New("export: unsupported version")
	ErrInvalidExportID = errors.New("export: invalid export id")
	ErrNoServerURL     = errors.New("export: missing server url")
)

type Header struct {
	Version   int       `json:"version"`
	ExportID  string    `json:"export_id"`
	ServerURL string    `json:"server_url"`
	CreatedAt time.Time `json:"created_at"`
}

type Root struct {
	Header Header  `json:"header"`
	Floors []Floor `json:"floors"`
}

type Floor struct {
	TerritoryType uint16   `json:"territory_type"`
	Objects       []Object `json:"objects"`
}

type ObjectType int

const (
	ObjectUnknown ObjectType = 0
	ObjectTrap    ObjectType = 1
	ObjectHoard   ObjectType = 2
)

type Object struct {
	Type ObjectType `json:"type"`
	X    float32    `json:"x"`
	Y    float32    `json:"y"`
	Z    float32    `json:"z"`
}

// Validate checks the snapshot is usable before any database row is touched.
func Validate(root *Root) error {
	if root.Header.Version != CurrentVersion {
		return fmt.Errorf("%w: %d", ErrVersionMismatch, root.Header.Version)
	}
	if _, err := uuid.Parse(root.Header.ExportID); err != nil {
		return ErrInvalidExportID
	}
	if root.Header.ServerURL == "" {
		return ErrNoServerURL
	}
	return nil
}

func Write(path string, root *Root) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 64*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(root.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(root); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func Read(path string) (*Root, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a snapshot from any stream, e.g. a file picked by the user or
// a server response body.
func Decode(r io.Reader) (*Root, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// Header line is advisory; the gob body repeats it.
	if _, err := br.ReadBytes('\n'); err != nil {
		return nil, fmt.Errorf("export: header: %w", err)
	}

	var root Root
	if err := gob.NewDecoder(br).Decode(&root); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return &root, nil
}
