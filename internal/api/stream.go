package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mediacache/proxy/internal/domain"
	"github.com/mediacache/proxy/internal/infra/logger"
	"github.com/mediacache/proxy/internal/task"
)

const (
	streamWaitPoll = 500 * time.Millisecond

	// corruptWaitTimeout bounds how long streamToPlayer waits for a
	// redownload of a short/corrupt segment before giving up.
	corruptWaitTimeout = 15 * time.Second
	maxCorruptRetries  = 3
)

// streamToPlayer walks [rangeStart, rangeEnd] segment by segment,
// waiting for each segment's bytes to arrive from the downloader and
// copying them to w as they do, flushing after every write so a player
// sees data as soon as it lands on disk rather than after the whole
// range completes.
func streamToPlayer(ctx context.Context, w http.ResponseWriter, t *task.DownloadTask, rangeStart, rangeEnd int64, log *logger.Logger) error {
	flusher, _ := w.(http.Flusher)
	pos := rangeStart

	for pos <= rangeEnd {
		seg := segmentContaining(t, pos)
		if seg == nil {
			return fmt.Errorf("no segment covers offset %d", pos)
		}

		availableTo, status, err := waitForBytes(ctx, t, seg, pos, log)
		if err != nil {
			return err
		}
		if status == domain.StatusFailed {
			if log != nil {
				log.Warn("segment %d-%d failed while streaming %s", seg.StartByte, seg.EndByte, t.MediaURL)
			}
			return fmt.Errorf("segment %d-%d failed", seg.StartByte, seg.EndByte)
		}

		sendTo := min64(availableTo, rangeEnd, seg.EndByte)
		if sendTo < pos {
			continue
		}

		n, err := copySegmentRange(t.CacheDir, seg, status == domain.StatusCompleted, pos, sendTo, w)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		pos += n

		if flusher != nil {
			flusher.Flush()
		}
	}

	return nil
}

// segmentContaining returns the task's segment covering byte offset pos,
// laying out segments lazily through GetSegmentsForRange if needed.
func segmentContaining(t *task.DownloadTask, pos int64) *domain.Segment {
	for _, seg := range t.GetSegmentsForRange(pos, pos) {
		if seg.Contains(pos) {
			return seg
		}
	}
	return nil
}

func min64(vals ...int64) int64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// waitForBytes blocks until byte offset pos is available to read from
// seg (either the segment completed, or its download progress has
// passed pos), returning the highest contiguous offset currently
// readable and the segment's status at that point.
//
// A segment reporting Completed is cross-checked against its on-disk
// file size: a short file means the bytes were lost (disk pressure,
// truncated write, eviction racing the reader) after the in-memory
// status was already set. That case is treated as corruption: the
// segment is marked Failed and re-enqueued at urgent priority, and this
// function waits for the redownload, up to maxCorruptRetries times,
// before giving up with domain.ErrSegmentCorrupt.
func waitForBytes(ctx context.Context, t *task.DownloadTask, seg *domain.Segment, pos int64, log *logger.Logger) (int64, domain.SegmentStatus, error) {
	for {
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}

		status := seg.Status()
		if status == domain.StatusFailed {
			return 0, status, nil
		}
		if status == domain.StatusCompleted {
			if size, ok := finalFileSize(t.CacheDir, seg); ok && size >= seg.ExpectedSize() {
				return seg.EndByte, status, nil
			}
			return recoverCorruptSegment(ctx, t, seg, log)
		}

		downloaded := seg.DownloadedBytes()
		availableTo := seg.StartByte + downloaded - 1
		if availableTo >= pos {
			return availableTo, status, nil
		}

		seg.WaitForData(streamWaitPoll)
	}
}

// recoverCorruptSegment is entered once waitForBytes finds a Completed
// segment whose on-disk file is short. It owns the whole bounded-retry
// cycle itself rather than looping back through waitForBytes's generic
// dispatch: RedownloadSegment marks the segment Failed for the moment
// it re-queues it, and treating that transient Failed as a stream
// failure (as the generic dispatch does) would abort playback instead
// of waiting out the redownload.
func recoverCorruptSegment(ctx context.Context, t *task.DownloadTask, seg *domain.Segment, log *logger.Logger) (int64, domain.SegmentStatus, error) {
	for attempt := 1; attempt <= maxCorruptRetries; attempt++ {
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		if log != nil {
			log.Warn("segment %d-%d short on disk, redownloading (attempt %d/%d) for %s", seg.StartByte, seg.EndByte, attempt, maxCorruptRetries, t.MediaURL)
		}

		t.RedownloadSegment(seg)
		deadline := time.Now().Add(corruptWaitTimeout)
		for seg.Status() != domain.StatusCompleted && time.Now().Before(deadline) {
			if ctx.Err() != nil {
				return 0, 0, ctx.Err()
			}
			if seg.Status() == domain.StatusFailed {
				// WaitForData returns at once on a Failed segment, so poll
				// until the queue has picked the redownload up.
				time.Sleep(50 * time.Millisecond)
				continue
			}
			seg.WaitForData(streamWaitPoll)
		}

		if status := seg.Status(); status == domain.StatusCompleted {
			if size, ok := finalFileSize(t.CacheDir, seg); ok && size >= seg.ExpectedSize() {
				return seg.EndByte, status, nil
			}
		}
	}
	return 0, 0, domain.ErrSegmentCorrupt
}

// finalFileSize stats a segment's final .seg file, returning false if it
// doesn't exist or can't be stat'd.
func finalFileSize(cacheDir string, seg *domain.Segment) (int64, bool) {
	fi, err := os.Stat(filepath.Join(cacheDir, seg.FinalFileName()))
	if err != nil {
		return 0, false
	}
	return fi.Size(), true
}

// copySegmentRange reads [from, to] out of seg's backing file (the final
// .seg file if complete, otherwise its .tmp file) and writes it to w,
// falling back to the final name if a race with finalize() moved it
// between the status check and the open.
func copySegmentRange(cacheDir string, seg *domain.Segment, completed bool, from, to int64, w io.Writer) (int64, error) {
	name := seg.TempFileName()
	if completed {
		name = seg.FinalFileName()
	}
	path := filepath.Join(cacheDir, name)

	f, err := os.Open(path)
	if os.IsNotExist(err) && !completed {
		f, err = os.Open(filepath.Join(cacheDir, seg.FinalFileName()))
	}
	if err != nil {
		return 0, fmt.Errorf("open segment file: %w", err)
	}
	defer f.Close()

	offsetInFile := from - seg.StartByte
	if _, err := f.Seek(offsetInFile, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek segment file: %w", err)
	}

	want := to - from + 1
	n, err := io.CopyN(w, f, want)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("copy segment bytes: %w", err)
	}
	return n, nil
}
