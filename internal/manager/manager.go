// Package manager implements DownloadManager: the top-level owner of
// every DownloadTask, the cache directory, the SQLite cache index, and
// the eviction policy that keeps total cache size within budget.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mediacache/proxy/internal/config"
	"github.com/mediacache/proxy/internal/domain"
	"github.com/mediacache/proxy/internal/infra/logger"
	"github.com/mediacache/proxy/internal/queue"
	"github.com/mediacache/proxy/internal/task"
)

// DownloadManager owns the task registry and cache lifecycle. One
// instance per process.
type DownloadManager struct {
	cfg   *config.Config
	log   *logger.Logger
	queue *queue.GlobalQueue
	idx   *cacheIndex

	sf singleflight.Group

	mu      sync.Mutex
	tasks   map[string]*task.DownloadTask
	stopped bool

	cleanupDone chan struct{}
}

// New constructs a DownloadManager rooted at cfg.Cache.Root, rebuilding
// its SQLite index from the on-disk config.json files found there.
func New(cfg *config.Config, log *logger.Logger, q *queue.GlobalQueue) (*DownloadManager, error) {
	if err := os.MkdirAll(cfg.Cache.Root, 0755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	idx, err := openIndex(filepath.Join(cfg.Cache.Root, "index.sqlite"))
	if err != nil {
		return nil, err
	}
	if err := rebuildIndexFromDisk(idx, cfg.Cache.Root, log); err != nil {
		idx.Close()
		return nil, fmt.Errorf("rebuild cache index: %w", err)
	}

	m := &DownloadManager{
		cfg:   cfg,
		log:   log,
		queue: q,
		idx:   idx,
		tasks: make(map[string]*task.DownloadTask),
	}

	q.SetDiskFullHandler(m.emergencyEvict)
	return m, nil
}

// GetCacheRoot returns the directory all task caches live under.
func (m *DownloadManager) GetCacheRoot() string {
	return m.cfg.Cache.Root
}

// GetOrCreateTask returns the existing task for (mediaURL, headers) or
// creates and initializes a new one, de-duplicating concurrent callers
// for the same identity via singleflight.
func (m *DownloadManager) GetOrCreateTask(ctx context.Context, mediaURL string, headers map[string]string) (*task.DownloadTask, error) {
	key := domain.TaskDirHash(mediaURL, headers)

	v, err, _ := m.sf.Do(key, func() (interface{}, error) {
		m.mu.Lock()
		if existing, ok := m.tasks[key]; ok {
			m.mu.Unlock()
			return existing, nil
		}
		m.mu.Unlock()

		t := task.New(m.cfg, m.log, m.queue, mediaURL, headers)
		if err := t.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize task: %w", err)
		}

		m.mu.Lock()
		m.tasks[key] = t
		m.mu.Unlock()

		if err := m.idx.Upsert(indexEntry{
			TaskKey:        key,
			CacheDir:       t.CacheDir,
			MediaURL:       t.MediaURL,
			LastAccessTime: t.LastAccessTime().UnixMilli(),
			SizeBytes:      dirSize(t.CacheDir),
		}); err != nil && m.log != nil {
			m.log.Warn("index upsert for %s failed: %v", mediaURL, err)
		}

		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*task.DownloadTask), nil
}

// LookupTask returns the task for (mediaURL, headers) without creating one.
func (m *DownloadManager) LookupTask(mediaURL string, headers map[string]string) (*task.DownloadTask, bool) {
	key := domain.TaskDirHash(mediaURL, headers)
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[key]
	return t, ok
}

// RemoveTaskIfInactive drops a task from the in-memory registry (not its
// on-disk cache) once it has no active player sessions, so a later
// request re-creates it from disk via GetOrCreateTask.
func (m *DownloadManager) RemoveTaskIfInactive(mediaURL string, headers map[string]string) bool {
	key := domain.TaskDirHash(mediaURL, headers)
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[key]
	if !ok || t.ActiveSessions() > 0 {
		return false
	}
	delete(m.tasks, key)
	return true
}

// GetCacheSize returns the total size in bytes of all cached segments,
// from the SQLite index rather than a filesystem walk.
func (m *DownloadManager) GetCacheSize() (int64, error) {
	return m.idx.TotalSize()
}

// ClearAllCache cancels every active task, removes the entire cache
// directory tree, and resets the index. Used by the `cache clear` CLI
// command.
func (m *DownloadManager) ClearAllCache() error {
	m.mu.Lock()
	for _, t := range m.tasks {
		t.Cancel()
	}
	m.tasks = make(map[string]*task.DownloadTask)
	m.mu.Unlock()

	m.queue.CancelAllExceptCurrent()

	entries, err := os.ReadDir(m.cfg.Cache.Root)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.cfg.Cache.Root, e.Name())); err != nil {
			return fmt.Errorf("remove cache dir %s: %w", e.Name(), err)
		}
	}

	return m.idx.RemoveAll()
}

// emergencyCleanupRatio is the target fill level for disk-full eviction:
// more aggressive than the routine cleanup ratio, since a full disk is
// actively blocking downloads rather than just approaching a soft cap.
const emergencyCleanupRatio = 0.5

// CleanupCacheLRU frees space down to targetRatio*maxCacheSize using
// policy, skipping any task with active player sessions.
func (m *DownloadManager) CleanupCacheLRU(policy EvictionPolicy, targetRatio float64) error {
	total, err := m.idx.TotalSize()
	if err != nil {
		return err
	}

	budget := int64(float64(m.cfg.Cache.MaxCacheSize) * targetRatio)
	if total <= budget {
		return nil
	}

	entries, err := m.idx.List()
	if err != nil {
		return err
	}

	candidates := make([]evictionCandidate, 0, len(entries))
	for _, e := range entries {
		var active int32
		m.mu.Lock()
		if t, ok := m.tasks[e.TaskKey]; ok {
			active = t.ActiveSessions()
		}
		m.mu.Unlock()

		candidates = append(candidates, evictionCandidate{
			TaskKey:        e.TaskKey,
			SizeBytes:      e.SizeBytes,
			LastAccessTime: e.LastAccessTime,
			ActiveSessions: active,
		})
	}

	toEvict := policy.SelectForEviction(candidates, total-budget, time.Now().UnixMilli(), int64(m.cfg.Cache.MaxAge/time.Millisecond))

	for _, key := range toEvict {
		if err := m.evictTask(key); err != nil && m.log != nil {
			m.log.Warn("evict task %s failed: %v", key, err)
		}
	}
	return nil
}

func (m *DownloadManager) evictTask(key string) error {
	m.mu.Lock()
	if t, ok := m.tasks[key]; ok {
		t.Cancel()
		delete(m.tasks, key)
	}
	m.mu.Unlock()

	entries, err := m.idx.List()
	if err != nil {
		return err
	}
	var dir string
	for _, e := range entries {
		if e.TaskKey == key {
			dir = e.CacheDir
			break
		}
	}
	if dir == "" {
		return m.idx.Remove(key)
	}

	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return m.idx.Remove(key)
}

// emergencyEvict is wired to the queue's disk-full handler: it frees
// down to emergencyCleanupRatio immediately rather than waiting on the
// next periodic sweep at the routine, shallower cleanup ratio.
func (m *DownloadManager) emergencyEvict() {
	if m.log != nil {
		m.log.Warn("disk full signalled by queue, running emergency eviction")
	}
	if err := m.CleanupCacheLRU(SmartCachePolicy{}, emergencyCleanupRatio); err != nil && m.log != nil {
		m.log.Error("emergency eviction failed: %v", err)
	}
}

// RunAutoCleanup periodically runs CleanupCacheLRU until ctx is
// cancelled. Intended to run in its own goroutine for the lifetime of
// the process.
func (m *DownloadManager) RunAutoCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.CleanupCacheLRU(SmartCachePolicy{}, m.cfg.Cache.CleanupRatio); err != nil && m.log != nil {
				m.log.Warn("periodic cleanup failed: %v", err)
			}
		}
	}
}

// Close releases the SQLite index handle.
func (m *DownloadManager) Close() error {
	return m.idx.Close()
}
