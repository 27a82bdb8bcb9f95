package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kbwatch/keywordwatcher/internal/infra/logger"
	"github.com/kbwatch/keywordwatcher/internal/infra/storage"
)

// backupTimestampFormat avoids ':' so backup file names are valid on every
// filesystem.
const backupTimestampFormat = "2006-01-02T15_04_05.000"

const backupPrefix = "keywordwatcher_data_backup_"

// Backup snapshots the store's database file into dir, naming it with the
// current timestamp, then runs retention cleanup over dir.
func (s *Store) Backup(dbPath, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("store: backup: create dir: %w", err)
	}

	name := backupPrefix + time.Now().UTC().Format(backupTimestampFormat) + ".db"
	dest := filepath.Join(dir, name)

	if err := storage.AtomicCopyFile(dbPath, dest); err != nil {
		return fmt.Errorf("store: backup: copy: %w", err)
	}

	cleanBackups(dir)
	return nil
}

type backupFile struct {
	path string
	at   time.Time
}

// cleanBackups applies the retention policy: one daily snapshot kept for 7
// days, one weekly for 4 weeks, one monthly for 12 months, the rest
// discarded. Tolerances (1 min daily, 10 min weekly, 30 min monthly)
// absorb jitter in the backup scheduler so a snapshot made a few seconds
// early or late isn't treated as redundant.
func cleanBackups(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Errorf("store: backup: read dir %s: %v", dir, err)
		return
	}

	var files []backupFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		at, ok := parseBackupName(e.Name())
		if !ok {
			continue
		}
		files = append(files, backupFile{path: filepath.Join(dir, e.Name()), at: at})
	}
	if len(files) <= 1 {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].at.After(files[j].at) })

	now := time.Now().UTC()
	lastKept := files[0].at
	rest := files[1:]

	dailyFound, weeklyFound, monthlyFound := 0, 0, 0

	for _, f := range rest {
		if now.Sub(f.at) < 24*time.Hour {
			continue // never delete a backup less than a day old
		}

		gap := lastKept.Sub(f.at)

		switch {
		case dailyFound < 7:
			if gap < 24*time.Hour-time.Minute {
				removeBackup(f.path)
			} else {
				lastKept = f.at
				dailyFound++
			}
		case weeklyFound < 4:
			if gap < 7*24*time.Hour-10*time.Minute {
				removeBackup(f.path)
			} else {
				lastKept = f.at
				weeklyFound++
			}
		case monthlyFound < 12:
			if gap < 30*24*time.Hour-30*time.Minute {
				removeBackup(f.path)
			} else {
				lastKept = f.at
				monthlyFound++
			}
		default:
			removeBackup(f.path)
		}
	}
}

func removeBackup(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("store: backup: remove %s: %v", path, err)
	}
}

func parseBackupName(name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, backupPrefix)
	if !ok {
		return time.Time{}, false
	}
	rest, ok = strings.CutSuffix(rest, ".db")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(backupTimestampFormat, rest)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
