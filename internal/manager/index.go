package manager

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/mediacache/proxy/internal/domain"
	"github.com/mediacache/proxy/internal/infra/logger"
)

// cacheIndex is a disposable, rebuildable-from-disk SQLite index over
// task cache directories. config.json on disk is always authoritative;
// this index exists purely to make GetCacheSize/eviction scans fast
// without a filesystem walk on every call.
type cacheIndex struct {
	db *sql.DB
}

type indexEntry struct {
	TaskKey        string
	CacheDir       string
	MediaURL       string
	LastAccessTime int64
	SizeBytes      int64
}

func openIndex(dbPath string) (*cacheIndex, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	task_key         TEXT PRIMARY KEY,
	cache_dir        TEXT NOT NULL,
	media_url        TEXT NOT NULL,
	last_access_time INTEGER NOT NULL,
	size_bytes       INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache index schema: %w", err)
	}

	return &cacheIndex{db: db}, nil
}

func (idx *cacheIndex) Close() error {
	return idx.db.Close()
}

func (idx *cacheIndex) Upsert(e indexEntry) error {
	_, err := idx.db.Exec(`
INSERT INTO cache_entries (task_key, cache_dir, media_url, last_access_time, size_bytes)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(task_key) DO UPDATE SET
	last_access_time = excluded.last_access_time,
	size_bytes = excluded.size_bytes`,
		e.TaskKey, e.CacheDir, e.MediaURL, e.LastAccessTime, e.SizeBytes)
	return err
}

func (idx *cacheIndex) Remove(taskKey string) error {
	_, err := idx.db.Exec(`DELETE FROM cache_entries WHERE task_key = ?`, taskKey)
	return err
}

func (idx *cacheIndex) RemoveAll() error {
	_, err := idx.db.Exec(`DELETE FROM cache_entries`)
	return err
}

func (idx *cacheIndex) List() ([]indexEntry, error) {
	rows, err := idx.db.Query(`SELECT task_key, cache_dir, media_url, last_access_time, size_bytes FROM cache_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []indexEntry
	for rows.Next() {
		var e indexEntry
		if err := rows.Scan(&e.TaskKey, &e.CacheDir, &e.MediaURL, &e.LastAccessTime, &e.SizeBytes); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (idx *cacheIndex) TotalSize() (int64, error) {
	var total sql.NullInt64
	if err := idx.db.QueryRow(`SELECT SUM(size_bytes) FROM cache_entries`).Scan(&total); err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// rebuildIndexFromDisk walks cacheRoot's task directories, reading each
// one's config.json to recompute the index from scratch. Used on
// startup so the index never needs to be trusted across restarts. A
// directory whose config.json exists but fails to parse is corrupt
// beyond repair (it can't be reconciled against any task in memory
// this early in startup), so it's removed outright rather than left as
// an orphan that would never show up in the index or get cleaned up.
func rebuildIndexFromDisk(idx *cacheIndex, cacheRoot string, log *logger.Logger) error {
	if err := idx.RemoveAll(); err != nil {
		return err
	}

	entries, err := os.ReadDir(cacheRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(cacheRoot, entry.Name())
		data, err := os.ReadFile(filepath.Join(dir, configFileNameForIndex))
		if err != nil {
			continue
		}

		var cfg struct {
			MediaURL       string `json:"mediaURL"`
			LastAccessTime int64  `json:"lastAccessTime"`
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			if log != nil {
				log.Warn("cache dir %s: %v: %v, removing", dir, domain.ErrConfigCorrupt, err)
			}
			if rmErr := os.RemoveAll(dir); rmErr != nil && log != nil {
				log.Error("remove corrupt cache dir %s: %v", dir, rmErr)
			}
			continue
		}

		size := dirSize(dir)
		if err := idx.Upsert(indexEntry{
			TaskKey:        entry.Name(),
			CacheDir:       dir,
			MediaURL:       cfg.MediaURL,
			LastAccessTime: cfg.LastAccessTime,
			SizeBytes:      size,
		}); err != nil {
			return err
		}
	}
	return nil
}

const configFileNameForIndex = "config.json"

func dirSize(dir string) int64 {
	var total int64
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".seg") {
			continue
		}
		if fi, err := e.Info(); err == nil {
			total += fi.Size()
		}
	}
	return total
}
