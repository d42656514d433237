// Package downloader implements SegmentDownloader: fetching one segment
// with a ranged GET, resuming partial temp files, retrying transient
// failures with backoff, and detecting disk-full conditions.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mediacache/proxy/internal/config"
	"github.com/mediacache/proxy/internal/domain"
	"github.com/mediacache/proxy/internal/infra/logger"
)

var errChunkReadTimeout = errors.New("chunk read timeout")

// Request describes one segment fetch.
type Request struct {
	MediaURL    string
	Segment     *domain.Segment
	CacheDir    string
	Headers     map[string]string
	OnProgress  func(downloadedBytes int64)
	CancelToken func() bool
}

// Downloader fetches individual segments over HTTP range requests.
type Downloader struct {
	client *http.Client
	cfg    *config.Config
	log    *logger.Logger
}

// New builds a Downloader whose transport timeouts are derived from cfg.
func New(cfg *config.Config, log *logger.Logger) *Downloader {
	return &Downloader{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.HTTP.ConnectTimeout,
				}).DialContext,
				IdleConnTimeout: cfg.HTTP.IdleTimeout,
			},
		},
		cfg: cfg,
		log: log,
	}
}

// Download performs a single attempt at fetching req.Segment. It returns
// nil on success (the segment is left Completed), domain.ErrTaskCancelled
// if req.CancelToken fired mid-stream (segment left Pending, safe to
// resume), domain.ErrDiskFull if the OS reported no space left (segment
// left Failed, caller should trigger emergency eviction and must not
// retry), or a transient error the caller may retry.
func (d *Downloader) Download(ctx context.Context, req Request) error {
	seg := req.Segment
	expected := seg.ExpectedSize()
	tempName := seg.TempFileName()
	finalName := seg.FinalFileName()

	if seg.Status() == domain.StatusCompleted {
		if finalFileLength(req.CacheDir, finalName) >= expected {
			return nil
		}
	}
	if finalFileLength(req.CacheDir, finalName) >= expected {
		seg.SetStatus(domain.StatusCompleted)
		seg.Broadcast()
		return nil
	}

	existingBytes := existingTempBytes(req.CacheDir, tempName)
	if existingBytes >= expected {
		if err := finalize(req.CacheDir, tempName, finalName, expected); err != nil {
			return fmt.Errorf("finalize resumed segment: %w", err)
		}
		seg.SetStatus(domain.StatusCompleted)
		seg.Broadcast()
		return nil
	}

	seg.SetStatus(domain.StatusDownloading)
	seg.SetDownloadedBytes(existingBytes)

	rangeStart := seg.StartByte + existingBytes
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.MediaURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rangeStart, seg.EndByte))
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", domain.ErrUpstreamStatus, resp.StatusCode)
	}

	written, err := d.stream(req, resp.Body, existingBytes)
	if err != nil {
		return err
	}

	if written < expected {
		seg.SetStatus(domain.StatusFailed)
		return domain.ErrShortWrite
	}

	if err := finalize(req.CacheDir, tempName, finalName, expected); err != nil {
		return fmt.Errorf("finalize segment: %w", err)
	}
	seg.SetStatus(domain.StatusCompleted)
	seg.Broadcast()
	return nil
}

// stream copies the response body into the segment's temp file, flushing
// and broadcasting "data available" every 10th chunk, checking
// cancellation per chunk, and applying a per-chunk read timeout.
func (d *Downloader) stream(req Request, body io.Reader, existingBytes int64) (int64, error) {
	seg := req.Segment
	tempPath := filepath.Join(req.CacheDir, seg.TempFileName())

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("open temp file: %w", err)
	}
	defer f.Close()

	written := existingBytes
	buf := make([]byte, 32*1024)
	chunks := 0

	for {
		if req.CancelToken != nil && req.CancelToken() {
			_ = f.Sync()
			seg.SetStatus(domain.StatusPending)
			return written, domain.ErrTaskCancelled
		}

		n, rerr := readChunkWithTimeout(body, buf, d.cfg.HTTP.StreamReadTimeout)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				if isDiskFull(werr) {
					seg.SetStatus(domain.StatusFailed)
					return written, domain.ErrDiskFull
				}
				return written, fmt.Errorf("write temp file: %w", werr)
			}
			written += int64(n)
			seg.SetDownloadedBytes(written)
			if req.OnProgress != nil {
				req.OnProgress(written)
			}

			chunks++
			if chunks%10 == 0 {
				_ = f.Sync()
				seg.Broadcast()
			}
		}

		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			if errors.Is(rerr, errChunkReadTimeout) {
				return written, fmt.Errorf("%w", rerr)
			}
			return written, fmt.Errorf("read body: %w", rerr)
		}
	}

	_ = f.Sync()
	seg.Broadcast()
	return written, nil
}

// readChunkWithTimeout reads a single chunk from r, bounding the wait by
// timeout. http.Response.Body does not expose a per-Read deadline once
// headers are received, so the read runs in its own goroutine; on
// timeout the goroutine is abandoned (the caller's overall ctx will tear
// down the connection on the next attempt).
func readChunkWithTimeout(r io.Reader, buf []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)

	go func() {
		n, err := r.Read(buf)
		done <- result{n, err}
	}()

	select {
	case res := <-done:
		return res.n, res.err
	case <-time.After(timeout):
		return 0, errChunkReadTimeout
	}
}

// DownloadWithRetry wraps Download with downloadRetryCount attempts and
// exponential backoff starting at downloadRetryInitialDelayMs. A disk-full
// error aborts the retry loop immediately; cancellation is not retried.
func (d *Downloader) DownloadWithRetry(ctx context.Context, req Request) error {
	delay := d.cfg.Retry.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= d.cfg.Retry.Count; attempt++ {
		err := d.Download(ctx, req)
		if err == nil {
			return nil
		}

		if errors.Is(err, domain.ErrDiskFull) {
			return err
		}
		if errors.Is(err, domain.ErrTaskCancelled) {
			return err
		}

		lastErr = err
		if d.log != nil {
			d.log.Warn("[Retry] segment %d-%d attempt %d/%d failed: %v",
				req.Segment.StartByte, req.Segment.EndByte, attempt, d.cfg.Retry.Count, err)
		}

		if attempt == d.cfg.Retry.Count {
			break
		}

		req.Segment.ResetForRetry()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}

	return lastErr
}
