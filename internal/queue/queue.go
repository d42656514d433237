// Package queue implements GlobalQueue: a single process-wide,
// priority-aware download queue with global and per-media concurrency
// caps, a startup-exclusivity gate, and cooperative cancellation.
package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/segmentio/ksuid"

	"github.com/mediacache/proxy/internal/config"
	"github.com/mediacache/proxy/internal/domain"
	"github.com/mediacache/proxy/internal/downloader"
	"github.com/mediacache/proxy/internal/infra/logger"
)

// Item is one requested segment download. It weakly references its
// segment: the segment's lifetime belongs to the owning task, not the
// queue. ID is assigned on enqueue and exists for log correlation only.
type Item struct {
	ID          string
	MediaURL    string
	Segment     *domain.Segment
	CacheDir    string
	Headers     map[string]string
	Priority    int
	CancelToken func() bool
	OnProgress  func(downloadedBytes int64)
	OnComplete  func(success bool)

	cancelled bool
}

func (i *Item) isCancelled() bool {
	return i.cancelled || (i.CancelToken != nil && i.CancelToken())
}

func activeKey(mediaURL string, startByte int64) string {
	return mediaURL + "|" + strconv.FormatInt(startByte, 10)
}

// GlobalQueue is the process-wide scheduler. Its state is mutated only
// from within Start's single goroutine or under mu; no other goroutine
// ever touches pending/active directly.
type GlobalQueue struct {
	mu  sync.Mutex
	cfg *config.Config
	dl  *downloader.Downloader
	log *logger.Logger

	pending []*Item
	active  map[string]*Item
	perMediaActive map[string]int

	currentPlayingURL string
	startupLocks      map[string]int

	kick       chan struct{}
	onDiskFull func()
}

// SetDiskFullHandler registers the callback invoked whenever a download
// fails with domain.ErrDiskFull, so the owning DownloadManager can run
// emergency eviction.
func (q *GlobalQueue) SetDiskFullHandler(fn func()) {
	q.mu.Lock()
	q.onDiskFull = fn
	q.mu.Unlock()
}

// New constructs a GlobalQueue. Call Start in its own goroutine to run
// the scheduling loop.
func New(cfg *config.Config, dl *downloader.Downloader, log *logger.Logger) *GlobalQueue {
	return &GlobalQueue{
		cfg:            cfg,
		dl:             dl,
		log:            log,
		active:         make(map[string]*Item),
		perMediaActive: make(map[string]int),
		startupLocks:   make(map[string]int),
		kick:           make(chan struct{}, 1),
	}
}

func (q *GlobalQueue) signal() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Enqueue adds item to the pending list, applying the effective
// priority rule (promoted to at-least-PLAYING for the current media)
// and insertion-stable-by-priority ordering. Segments already
// Completed, Downloading, pending, or active are rejected without
// entering the queue.
func (q *GlobalQueue) Enqueue(item *Item) {
	if item.ID == "" {
		item.ID = ksuid.New().String()
	}

	q.mu.Lock()

	if item.Segment.Status() == domain.StatusCompleted {
		q.mu.Unlock()
		if item.OnComplete != nil {
			item.OnComplete(true)
		}
		return
	}

	key := activeKey(item.MediaURL, item.Segment.StartByte)
	if _, ok := q.active[key]; ok {
		q.mu.Unlock()
		return
	}
	if item.Segment.Status() == domain.StatusDownloading {
		q.mu.Unlock()
		return
	}
	for _, p := range q.pending {
		if p.MediaURL == item.MediaURL && p.Segment.StartByte == item.Segment.StartByte {
			q.mu.Unlock()
			return
		}
	}

	effective := item.Priority
	if item.MediaURL == q.currentPlayingURL && effective < config.PriorityPlaying {
		effective = config.PriorityPlaying
	}
	item.Priority = effective

	insertAt := len(q.pending)
	for idx, p := range q.pending {
		if p.Priority < effective {
			insertAt = idx
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[insertAt+1:], q.pending[insertAt:])
	q.pending[insertAt] = item

	q.mu.Unlock()
	q.signal()
}

// SetCurrentPlaying promotes url's pending items to PLAYING and, if
// pauseOldDownloadsOnSwitch is set, demotes the previous media's
// pending items to BACKGROUND.
func (q *GlobalQueue) SetCurrentPlaying(url string) {
	q.mu.Lock()
	if q.currentPlayingURL == url {
		q.mu.Unlock()
		return
	}

	old := q.currentPlayingURL
	q.currentPlayingURL = url

	for _, p := range q.pending {
		if p.MediaURL == url && p.Priority < config.PriorityPlaying {
			p.Priority = config.PriorityPlaying
		}
	}
	if q.cfg.Queue.PauseOldDownloadsOnSwitch && old != "" {
		for _, p := range q.pending {
			if p.MediaURL == old {
				p.Priority = config.PriorityBackground
			}
		}
	}
	q.resortLocked()
	q.mu.Unlock()
	q.signal()
}

// resortLocked re-establishes priority ordering after in-place priority
// mutation; stable for equal priorities since it's a plain stable sort
// over the existing order.
func (q *GlobalQueue) resortLocked() {
	for i := 1; i < len(q.pending); i++ {
		for j := i; j > 0 && q.pending[j].Priority > q.pending[j-1].Priority; j-- {
			q.pending[j], q.pending[j-1] = q.pending[j-1], q.pending[j]
		}
	}
}

// CancelMedia removes url's pending items (invoking OnComplete(false))
// and, if cancelActive, marks its active items cancelled so their chunk
// loops observe it on the next check.
func (q *GlobalQueue) CancelMedia(url string, cancelActive bool) {
	q.mu.Lock()
	kept := q.pending[:0]
	var removed []*Item
	for _, p := range q.pending {
		if p.MediaURL == url {
			removed = append(removed, p)
			continue
		}
		kept = append(kept, p)
	}
	q.pending = kept

	if cancelActive {
		for _, a := range q.active {
			if a.MediaURL == url {
				a.cancelled = true
			}
		}
	}
	q.mu.Unlock()

	for _, p := range removed {
		if p.OnComplete != nil {
			p.OnComplete(false)
		}
	}
}

// PauseAll demotes every pending item to BACKGROUND priority.
func (q *GlobalQueue) PauseAll() {
	q.mu.Lock()
	for _, p := range q.pending {
		p.Priority = config.PriorityBackground
	}
	q.resortLocked()
	q.mu.Unlock()
}

// CancelAllExceptCurrent removes every pending item not belonging to
// the current playing media.
func (q *GlobalQueue) CancelAllExceptCurrent() {
	q.mu.Lock()
	kept := q.pending[:0]
	var removed []*Item
	for _, p := range q.pending {
		if p.MediaURL != q.currentPlayingURL {
			removed = append(removed, p)
			continue
		}
		kept = append(kept, p)
	}
	q.pending = kept
	q.mu.Unlock()

	for _, p := range removed {
		if p.OnComplete != nil {
			p.OnComplete(false)
		}
	}
}

// UpdateStartupLock adjusts the reference count of url's startup lock.
// While any media holds a positive lock, the scheduler reserves
// bandwidth by refusing to start low-priority work (see the startup
// gate in the scheduling loop).
func (q *GlobalQueue) UpdateStartupLock(url string, delta int) {
	q.mu.Lock()
	q.startupLocks[url] += delta
	if q.startupLocks[url] <= 0 {
		delete(q.startupLocks, url)
	}
	q.mu.Unlock()
	q.signal()
}

// ActiveCount returns the number of currently active downloads, for tests/metrics.
func (q *GlobalQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// PendingCount returns the number of pending items, for tests/metrics.
func (q *GlobalQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Start runs the scheduling loop until ctx is cancelled. It must be run
// in exactly one goroutine per GlobalQueue.
func (q *GlobalQueue) Start(ctx context.Context) {
	for {
		q.tick(ctx)

		select {
		case <-q.kick:
		case <-ctx.Done():
			return
		}
	}
}

// tick drains as much of the pending list as concurrency caps and the
// startup gate allow, launching each chosen download asynchronously.
func (q *GlobalQueue) tick(ctx context.Context) {
	for {
		q.mu.Lock()

		if len(q.pending) == 0 || len(q.active) >= q.cfg.Queue.GlobalMaxConcurrentDownloads {
			q.mu.Unlock()
			return
		}

		// Startup gate: reserve bandwidth for the first playback segment
		// and tail/moov fetches while any media is in its startup window.
		if len(q.startupLocks) > 0 && q.pending[0].Priority < config.PriorityTailMoov {
			q.mu.Unlock()
			return
		}

		idx := 0
		chosen := q.pending[0]
		if q.perMediaActive[chosen.MediaURL] >= q.cfg.Queue.PerMediaMaxConcurrentDownloads {
			found := false
			for i, p := range q.pending {
				if q.perMediaActive[p.MediaURL] < q.cfg.Queue.PerMediaMaxConcurrentDownloads {
					idx, chosen, found = i, p, true
					break
				}
			}
			if !found {
				q.mu.Unlock()
				return
			}
		}

		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)

		if chosen.isCancelled() {
			q.mu.Unlock()
			if chosen.OnComplete != nil {
				chosen.OnComplete(false)
			}
			continue
		}

		status := chosen.Segment.Status()
		if status == domain.StatusCompleted || status == domain.StatusDownloading {
			q.mu.Unlock()
			if chosen.OnComplete != nil {
				chosen.OnComplete(status == domain.StatusCompleted)
			}
			continue
		}

		key := activeKey(chosen.MediaURL, chosen.Segment.StartByte)
		q.active[key] = chosen
		q.perMediaActive[chosen.MediaURL]++
		q.mu.Unlock()

		go q.run(ctx, key, chosen)
	}
}

// run executes one item's download and reports completion back into the
// queue, then re-enters the scheduling loop.
func (q *GlobalQueue) run(ctx context.Context, key string, item *Item) {
	err := q.dl.DownloadWithRetry(ctx, downloader.Request{
		MediaURL:    item.MediaURL,
		Segment:     item.Segment,
		CacheDir:    item.CacheDir,
		Headers:     item.Headers,
		OnProgress:  item.OnProgress,
		CancelToken: item.isCancelled,
	})

	q.mu.Lock()
	delete(q.active, key)
	q.perMediaActive[item.MediaURL]--
	if q.perMediaActive[item.MediaURL] <= 0 {
		delete(q.perMediaActive, item.MediaURL)
	}
	q.mu.Unlock()

	success := err == nil
	if err != nil && q.log != nil {
		q.log.Debug("item %s: segment %d-%d for %s finished with error: %v",
			item.ID, item.Segment.StartByte, item.Segment.EndByte, item.MediaURL, err)
	}

	if errors.Is(err, domain.ErrDiskFull) {
		q.mu.Lock()
		handler := q.onDiskFull
		q.mu.Unlock()
		if handler != nil {
			handler()
		}
	}

	if item.OnComplete != nil {
		item.OnComplete(success)
	}

	q.signal()
}
