package database

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const backupTimeFormat = "2006-01-02-15-04-05"

// Backup writes a compressed copy of the database into backupDir. The copy is
// produced with VACUUM INTO so it is consistent even while background tasks
// keep writing.
func Backup(ctx context.Context, dbPath, backupDir string) (string, error) {
	store, err := Open(dbPath, log.New(io.Discard, "", 0))
	if err != nil {
		return "", err
	}
	defer store.Close()

	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", err
	}
	tmp := filepath.Join(backupDir, ".backup.tmp.db")
	_ = os.Remove(tmp)
	if _, err := store.db.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		return "", fmt.Errorf("vacuum into: %w", err)
	}
	defer os.Remove(tmp)

	name := fmt.Sprintf("palace-%s.db.zst", time.Now().UTC().Format(backupTimeFormat))
	target := filepath.Join(backupDir, name)
	if err := compressFile(tmp, target); err != nil {
		return "", err
	}
	return target, nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// RemoveOldBackups deletes backups beyond minimumToKeep that are older than
// maxAgeDays. The newest backups are always retained.
func RemoveOldBackups(backupDir string, minimumToKeep, maxAgeDays int) (int, error) {
	entries, err := os.ReadDir(backupDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	type backup struct {
		path string
		at   time.Time
	}
	var backups []backup
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "palace-") || !strings.HasSuffix(name, ".db.zst") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, "palace-"), ".db.zst")
		at, err := time.Parse(backupTimeFormat, stamp)
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: filepath.Join(backupDir, name), at: at})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].at.After(backups[j].at) })

	removed := 0
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	for i, b := range backups {
		if i < minimumToKeep || b.at.After(cutoff) {
			continue
		}
		if err := os.Remove(b.path); err == nil {
			removed++
		}
	}
	return removed, nil
}
