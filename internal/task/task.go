// Package task implements DownloadTask: the per-media state that owns a
// cache directory, the ordered list of segments covering the object,
// and the moov-position heuristic that drives prefetch policy.
package task

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediacache/proxy/internal/config"
	"github.com/mediacache/proxy/internal/domain"
	"github.com/mediacache/proxy/internal/infra/logger"
	"github.com/mediacache/proxy/internal/mimetype"
	"github.com/mediacache/proxy/internal/mp4"
	"github.com/mediacache/proxy/internal/queue"
)

// Enqueuer is the narrow slice of GlobalQueue that DownloadTask needs,
// so this package never has to know about queue internals.
type Enqueuer interface {
	Enqueue(item *queue.Item)
}

// DownloadTask is identified by (MediaURL, canonicalized Headers); see
// domain.TaskKey. It owns CacheDir, named by domain.TaskDirHash of that
// same identity.
type DownloadTask struct {
	MediaURL string
	Headers  map[string]string
	CacheDir string

	cfg    *config.Config
	log    *logger.Logger
	queue  Enqueuer
	client *http.Client

	mu            sync.RWMutex
	contentLength int64 // -1 until probed
	contentType   string
	segments      []*domain.Segment
	lastAccess    time.Time
	moovAtStart   mp4.MoovPosition
	moovPreloaded bool
	cancelled     bool

	activeSessions int32 // atomic

	persistMu    sync.Mutex
	persistDirty bool
	persistTimer *time.Timer
}

// New constructs a task for (mediaURL, headers). Call Initialize before use.
func New(cfg *config.Config, log *logger.Logger, q Enqueuer, mediaURL string, headers map[string]string) *DownloadTask {
	hash := domain.TaskDirHash(mediaURL, headers)
	return &DownloadTask{
		MediaURL:      mediaURL,
		Headers:       headers,
		CacheDir:      filepath.Join(cfg.Cache.Root, hash),
		cfg:           cfg,
		log:           log,
		queue:         q,
		client:        &http.Client{Timeout: cfg.HTTP.ConnectTimeout + cfg.HTTP.StreamReadTimeout},
		contentLength: -1,
		lastAccess:    time.Now(),
	}
}

func (t *DownloadTask) AddSession() int32  { return atomic.AddInt32(&t.activeSessions, 1) }
func (t *DownloadTask) RemoveSession() int32 {
	n := atomic.AddInt32(&t.activeSessions, -1)
	if n < 0 {
		atomic.StoreInt32(&t.activeSessions, 0)
		return 0
	}
	return n
}
func (t *DownloadTask) ActiveSessions() int32 { return atomic.LoadInt32(&t.activeSessions) }

func (t *DownloadTask) Touch() {
	t.mu.Lock()
	t.lastAccess = time.Now()
	t.mu.Unlock()
	t.markDirty()
}

func (t *DownloadTask) LastAccessTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastAccess
}

func (t *DownloadTask) ContentLength() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.contentLength
}

func (t *DownloadTask) ContentType() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.contentType
}

func (t *DownloadTask) IsMP4() bool {
	ct := t.ContentType()
	return strings.Contains(ct, "mp4") || strings.HasSuffix(strings.ToLower(t.MediaURL), ".mp4")
}

func (t *DownloadTask) MoovAtStart() mp4.MoovPosition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.moovAtStart
}

// Segments returns a snapshot slice of the task's ordered segments.
func (t *DownloadTask) Segments() []*domain.Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*domain.Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// Initialize creates the cache directory, loads persisted state,
// reconciles segment status against on-disk files, probes content
// length/type if unknown, lays out segments if needed, and runs moov
// detection for MP4 content.
func (t *DownloadTask) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(t.CacheDir, 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	var leadingBytes []byte

	if persisted, err := loadPersistedConfig(t.CacheDir); err == nil {
		t.mu.Lock()
		t.contentLength = persisted.ContentLength
		t.contentType = persisted.ContentType
		if persisted.LastAccessTime > 0 {
			t.lastAccess = timeFromMillis(persisted.LastAccessTime)
		}
		if len(persisted.Segments) > 0 {
			segs := make([]*domain.Segment, len(persisted.Segments))
			for i, ps := range persisted.Segments {
				segs[i] = fromPersistedSegment(ps)
			}
			t.segments = segs
		}
		t.mu.Unlock()
	}

	t.reconcileWithDisk()

	if t.ContentLength() < 0 {
		length, contentType, leading, err := t.probe(ctx)
		if err != nil {
			return fmt.Errorf("probe upstream: %w", err)
		}
		t.mu.Lock()
		t.contentLength = length
		t.contentType = mimetype.Resolve(t.MediaURL, contentType)
		t.mu.Unlock()
		leadingBytes = leading
	}

	t.mu.Lock()
	needsLayout := len(t.segments) == 0 && t.contentLength > 0
	t.mu.Unlock()

	if needsLayout {
		if err := t.layoutSegments(); err != nil {
			return err
		}
		t.reconcileWithDisk()
	}

	if t.IsMP4() && t.MoovAtStart() == mp4.MoovUnknown {
		if err := t.detectMoov(ctx, leadingBytes); err != nil && t.log != nil {
			t.log.Warn("moov detection failed for %s: %v", t.MediaURL, err)
		}
	}

	t.flushSync()
	return nil
}

// reconcileWithDisk scans segments against .seg/.tmp files: a Completed
// status requires the final file to actually meet expected size; any
// Downloading discovered is demoted to Pending (transient state is
// never trustable across a restart).
func (t *DownloadTask) reconcileWithDisk() {
	t.mu.Lock()
	segs := t.segments
	t.mu.Unlock()

	for _, seg := range segs {
		seg.DemoteIfDownloading()

		expected := seg.ExpectedSize()
		if fi, err := os.Stat(filepath.Join(t.CacheDir, seg.FinalFileName())); err == nil && fi.Size() >= expected {
			seg.SetStatus(domain.StatusCompleted)
			continue
		}

		if fi, err := os.Stat(filepath.Join(t.CacheDir, seg.TempFileName())); err == nil {
			seg.SetDownloadedBytes(fi.Size())
		}
		if seg.Status() == domain.StatusCompleted {
			// Config said Completed but the final file is missing/short.
			seg.SetStatus(domain.StatusPending)
		}
	}
}

// layoutSegments divides [0, contentLength-1] into fixed-size segments,
// enlarging segmentSize if the natural division would exceed
// maxSegmentCount.
func (t *DownloadTask) layoutSegments() error {
	t.mu.RLock()
	contentLength := t.contentLength
	t.mu.RUnlock()

	segmentSize := t.cfg.Cache.SegmentSize
	maxCount := t.cfg.Cache.MaxSegmentCount

	count := (contentLength + segmentSize - 1) / segmentSize
	for count > int64(maxCount) {
		segmentSize *= 2
		count = (contentLength + segmentSize - 1) / segmentSize
		if segmentSize > contentLength && count <= 1 {
			break
		}
	}
	if count > int64(maxCount) {
		return domain.ErrMaxSegmentsExceeded
	}

	segs := make([]*domain.Segment, 0, count)
	var start int64
	for start < contentLength {
		end := start + segmentSize - 1
		if end > contentLength-1 {
			end = contentLength - 1
		}
		segs = append(segs, domain.NewSegment(start, end))
		start = end + 1
	}

	t.mu.Lock()
	t.segments = segs
	t.mu.Unlock()
	return nil
}

// GetSegmentsForRange returns the ordered sequence of segments
// overlapping [rangeStart, rangeEnd], lazily laying out segments aligned
// to segmentSize boundaries if none have been computed yet.
func (t *DownloadTask) GetSegmentsForRange(rangeStart, rangeEnd int64) []*domain.Segment {
	t.mu.RLock()
	empty := len(t.segments) == 0
	contentLength := t.contentLength
	t.mu.RUnlock()

	if empty && contentLength > 0 {
		_ = t.layoutSegments()
	}

	var out []*domain.Segment
	for _, seg := range t.Segments() {
		if seg.Overlaps(rangeStart, rangeEnd) {
			out = append(out, seg)
		}
	}
	return out
}

// LastSegment returns the task's final segment, or nil if none exist.
func (t *DownloadTask) LastSegment() *domain.Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.segments) == 0 {
		return nil
	}
	return t.segments[len(t.segments)-1]
}

// AnySegmentCompleted reports whether at least one segment has finished,
// used by the proxy's cold-start/startup-thrift policy.
func (t *DownloadTask) AnySegmentCompleted() bool {
	for _, seg := range t.Segments() {
		if seg.IsCompleted() {
			return true
		}
	}
	return false
}

// UpdateSegmentStatus mutates a segment's status/progress, broadcasts on
// Completed, and flushes config.json synchronously for terminal states
// (Completed/Failed) or marks it dirty for a debounced flush otherwise.
func (t *DownloadTask) UpdateSegmentStatus(seg *domain.Segment, status domain.SegmentStatus, downloadedBytes ...int64) {
	seg.SetStatus(status)
	if len(downloadedBytes) > 0 {
		seg.SetDownloadedBytes(downloadedBytes[0])
	}
	if status == domain.StatusCompleted {
		seg.Broadcast()
	}

	if status == domain.StatusCompleted || status == domain.StatusFailed {
		t.flushSync()
		return
	}
	t.markDirty()
}

// PreloadMoovSegment is idempotent: it enqueues the task's last segment
// at tail/moov priority only once, unless the previous attempt failed
// (the flag is reset on failure to allow retry).
func (t *DownloadTask) PreloadMoovSegment() {
	if !t.IsMP4() || t.MoovAtStart() != mp4.MoovAtEnd {
		return
	}

	last := t.LastSegment()
	if last == nil {
		return
	}
	switch last.Status() {
	case domain.StatusCompleted, domain.StatusDownloading:
		return
	}

	t.mu.Lock()
	if t.moovPreloaded {
		t.mu.Unlock()
		return
	}
	t.moovPreloaded = true
	t.mu.Unlock()

	t.queue.Enqueue(&queue.Item{
		MediaURL: t.MediaURL,
		Segment:  last,
		CacheDir: t.CacheDir,
		Headers:  t.Headers,
		Priority: config.PriorityTailMoov,
		OnComplete: func(success bool) {
			if !success {
				t.mu.Lock()
				t.moovPreloaded = false
				t.mu.Unlock()
			}
		},
	})
}

// RedownloadSegment marks seg Failed and re-enqueues it at urgent
// priority, for the case where a Completed segment's on-disk file turns
// out to be short or missing (corruption discovered mid-stream).
func (t *DownloadTask) RedownloadSegment(seg *domain.Segment) {
	seg.ResetForRetry()
	t.UpdateSegmentStatus(seg, domain.StatusFailed)

	t.queue.Enqueue(&queue.Item{
		MediaURL: t.MediaURL,
		Segment:  seg,
		CacheDir: t.CacheDir,
		Headers:  t.Headers,
		Priority: config.PriorityPlayingUrgent,
		OnComplete: func(success bool) {
			t.UpdateSegmentStatus(seg, seg.Status())
		},
	})
}

// probe determines content length/type: first via HEAD, falling back to
// a ranged GET of the leading moovDetectionBytes bytes (capturing them
// for moov detection) and reading the total from Content-Range.
func (t *DownloadTask) probe(ctx context.Context) (int64, string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.MediaURL, nil)
	if err != nil {
		return 0, "", nil, err
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.ContentLength > 0 {
			return resp.ContentLength, resp.Header.Get("Content-Type"), nil, nil
		}
	}

	// Fallback: ranged GET of the first moovDetectionBytes bytes.
	req2, err := http.NewRequestWithContext(ctx, http.MethodGet, t.MediaURL, nil)
	if err != nil {
		return 0, "", nil, err
	}
	for k, v := range t.Headers {
		req2.Header.Set(k, v)
	}
	req2.Header.Set("Range", fmt.Sprintf("bytes=0-%d", t.cfg.MP4.DetectionBytes-1))

	resp2, err := t.client.Do(req2)
	if err != nil {
		return 0, "", nil, fmt.Errorf("fallback probe request: %w", err)
	}
	defer resp2.Body.Close()

	total := parseContentRangeTotal(resp2.Header.Get("Content-Range"))
	if total <= 0 {
		return 0, "", nil, fmt.Errorf("could not determine content length")
	}

	leading := make([]byte, t.cfg.MP4.DetectionBytes)
	n, _ := resp2.Body.Read(leading)
	return total, resp2.Header.Get("Content-Type"), leading[:n], nil
}

func parseContentRangeTotal(header string) int64 {
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return -1
	}
	total, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil {
		return -1
	}
	return total
}

// detectMoov decides moovAtStart for MP4 content. Files below
// skipMoovDetectionThreshold skip the scan entirely and are assumed
// fast-start (no tail prefetch needed for small files).
func (t *DownloadTask) detectMoov(ctx context.Context, leading []byte) error {
	if t.ContentLength() > 0 && t.ContentLength() < t.cfg.MP4.SkipDetectionThreshold {
		t.mu.Lock()
		t.moovAtStart = mp4.MoovAtStart
		t.mu.Unlock()
		return nil
	}

	if len(leading) == 0 {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.MediaURL, nil)
		if err != nil {
			return err
		}
		for k, v := range t.Headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", t.cfg.MP4.DetectionBytes-1))

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		buf := make([]byte, t.cfg.MP4.DetectionBytes)
		n, _ := resp.Body.Read(buf)
		leading = buf[:n]
	}

	pos := mp4.DetectMoovPosition(leading)
	t.mu.Lock()
	t.moovAtStart = pos
	t.mu.Unlock()
	return nil
}

// markDirty schedules a debounced flush of config.json.
func (t *DownloadTask) markDirty() {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	t.persistDirty = true
	if t.persistTimer != nil {
		return
	}
	t.persistTimer = time.AfterFunc(t.cfg.Cache.ConfigSaveInterval, func() {
		t.persistMu.Lock()
		t.persistTimer = nil
		dirty := t.persistDirty
		t.persistDirty = false
		t.persistMu.Unlock()
		if dirty {
			_ = t.saveConfig()
		}
	})
}

// flushSync writes config.json immediately, bypassing the debounce
// timer. Used for terminal segment transitions so a crash never loses a
// completed/failed segment's status.
func (t *DownloadTask) flushSync() {
	t.persistMu.Lock()
	if t.persistTimer != nil {
		t.persistTimer.Stop()
		t.persistTimer = nil
	}
	t.persistDirty = false
	t.persistMu.Unlock()

	_ = t.saveConfig()
}

func (t *DownloadTask) saveConfig() error {
	t.mu.RLock()
	cfg := &persistedConfig{
		MediaURL:       t.MediaURL,
		ContentLength:  t.contentLength,
		ContentType:    t.contentType,
		LastAccessTime: t.lastAccess.UnixMilli(),
		RequestHeaders: t.Headers,
	}
	for _, seg := range t.segments {
		cfg.Segments = append(cfg.Segments, toPersistedSegment(seg))
	}
	t.mu.RUnlock()

	return savePersistedConfig(t.CacheDir, cfg)
}

// Cancel marks the task cancelled, as reported by IsCancelled. The queue
// items enqueued for this task carry no cancel token tied to this flag,
// so downloads already queued or in flight are not stopped by it.
func (t *DownloadTask) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

func (t *DownloadTask) IsCancelled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cancelled
}
