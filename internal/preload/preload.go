// Package preload implements speculative warm-up of a media's leading
// segments ahead of actual playback, triggered when a client hints
// that a switch is imminent (e.g. a "next episode" selection) before
// the player has issued its first range request.
package preload

import (
	"context"
	"fmt"
	"sort"

	"github.com/mediacache/proxy/internal/config"
	"github.com/mediacache/proxy/internal/infra/logger"
	"github.com/mediacache/proxy/internal/manager"
	"github.com/mediacache/proxy/internal/mp4"
	"github.com/mediacache/proxy/internal/queue"
)

// Preloader warms a task's leading segments at PRE_PLAY priority: above
// idle background work, but below anything actually playing, so a
// preload hint never steals bandwidth from current playback.
type Preloader struct {
	cfg *config.Config
	log *logger.Logger
	mgr *manager.DownloadManager
	q   *queue.GlobalQueue
}

func New(cfg *config.Config, log *logger.Logger, mgr *manager.DownloadManager, q *queue.GlobalQueue) *Preloader {
	return &Preloader{cfg: cfg, log: log, mgr: mgr, q: q}
}

// segmentResult reports one enqueued segment's outcome, tagged by
// whether it's part of the requested leading window (critical) or the
// optional moov/tail fetch (not critical: a slow or failed tail fetch
// shouldn't sour an otherwise-successful preload).
type segmentResult struct {
	critical bool
	success  bool
}

// Preload creates (or reuses) the task for (mediaURL, headers) and
// enqueues its first segmentCount not-yet-completed leading segments,
// plus the task's last segment when includeMoov is set and either the
// task is MP4 with the moov box at the end, or the proxy is configured
// to always warm the end segment regardless of container layout. It
// blocks until every segment it enqueued resolves (completes, fails, or
// is already cached), reporting success iff at least one resolved
// successfully and no critical segment failed.
func (p *Preloader) Preload(ctx context.Context, mediaURL string, headers map[string]string, segmentCount int, includeMoov bool) error {
	t, err := p.mgr.GetOrCreateTask(ctx, mediaURL, headers)
	if err != nil {
		return err
	}
	t.Touch()

	windowEnd := int64(segmentCount)*p.cfg.Cache.SegmentSize - 1
	if t.ContentLength() > 0 && windowEnd > t.ContentLength()-1 {
		windowEnd = t.ContentLength() - 1
	}

	segs := t.GetSegmentsForRange(0, windowEnd)
	sort.Slice(segs, func(i, j int) bool { return segs[i].StartByte < segs[j].StartByte })
	if len(segs) > segmentCount {
		segs = segs[:segmentCount]
	}

	wantTail := includeMoov && (p.cfg.MP4.AlwaysPreloadEndSegment || (t.IsMP4() && t.MoovAtStart() == mp4.MoovAtEnd))
	tail := t.LastSegment()
	if !wantTail || tail == nil || tail.IsCompleted() {
		tail = nil
	}

	want := len(segs)
	if tail != nil {
		want++
	}
	if want == 0 {
		return nil
	}

	results := make(chan segmentResult, want)

	for _, seg := range segs {
		seg := seg
		p.q.Enqueue(&queue.Item{
			MediaURL: mediaURL,
			Segment:  seg,
			CacheDir: t.CacheDir,
			Headers:  headers,
			Priority: config.PriorityPrePlay,
			OnComplete: func(success bool) {
				t.UpdateSegmentStatus(seg, seg.Status())
				results <- segmentResult{critical: true, success: success}
			},
		})
	}

	if tail != nil {
		p.q.Enqueue(&queue.Item{
			MediaURL: mediaURL,
			Segment:  tail,
			CacheDir: t.CacheDir,
			Headers:  headers,
			Priority: config.PriorityTailMoov,
			OnComplete: func(success bool) {
				t.UpdateSegmentStatus(tail, tail.Status())
				results <- segmentResult{critical: false, success: success}
			},
		})
	}

	anySucceeded := false
	criticalFailed := false
	for i := 0; i < want; i++ {
		select {
		case r := <-results:
			if r.success {
				anySucceeded = true
			} else if r.critical {
				criticalFailed = true
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !anySucceeded || criticalFailed {
		return fmt.Errorf("preload %s: no segment succeeded or a critical segment failed", mediaURL)
	}
	return nil
}
