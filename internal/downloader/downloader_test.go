package downloader

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mediacache/proxy/internal/config"
	"github.com/mediacache/proxy/internal/domain"
)

func testConfig() *config.Config {
	return &config.Config{
		HTTP: config.HTTPConfig{
			ConnectTimeout:    2 * time.Second,
			IdleTimeout:       5 * time.Second,
			StreamReadTimeout: 2 * time.Second,
		},
		Retry: config.RetryConfig{
			Count:        3,
			InitialDelay: 10 * time.Millisecond,
		},
	}
}

func TestDownload_FullSegment(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-999/1000"))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := domain.NewSegment(0, 999)
	d := New(testConfig(), nil)

	err := d.Download(t.Context(), Request{
		MediaURL: srv.URL,
		Segment:  seg,
		CacheDir: dir,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seg.Status() != domain.StatusCompleted {
		t.Fatalf("expected Completed, got %v", seg.Status())
	}

	data, err := os.ReadFile(filepath.Join(dir, seg.FinalFileName()))
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if len(data) != len(payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), len(data))
	}
}

func TestDownload_ResumesFromPartialTemp(t *testing.T) {
	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload[1000:])
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := domain.NewSegment(0, 1999)

	if err := os.WriteFile(filepath.Join(dir, seg.TempFileName()), payload[:1000], 0644); err != nil {
		t.Fatalf("seed temp file: %v", err)
	}

	d := New(testConfig(), nil)
	err := d.Download(t.Context(), Request{MediaURL: srv.URL, Segment: seg, CacheDir: dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotRange != "bytes=1000-1999" {
		t.Fatalf("expected resume range bytes=1000-1999, got %q", gotRange)
	}

	data, _ := os.ReadFile(filepath.Join(dir, seg.FinalFileName()))
	if len(data) != 2000 {
		t.Fatalf("expected final file of 2000 bytes, got %d", len(data))
	}
}

func TestDownload_ShortWriteFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := domain.NewSegment(0, 999)
	d := New(testConfig(), nil)

	err := d.Download(t.Context(), Request{MediaURL: srv.URL, Segment: seg, CacheDir: dir})
	if err == nil {
		t.Fatal("expected short-write error")
	}
	if seg.Status() != domain.StatusFailed {
		t.Fatalf("expected Failed, got %v", seg.Status())
	}
	if _, statErr := os.Stat(filepath.Join(dir, seg.FinalFileName())); statErr == nil {
		t.Fatal("short segment must not be finalized into a .seg file")
	}
}

func TestDownload_NonPartialStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := domain.NewSegment(0, 999)
	d := New(testConfig(), nil)

	err := d.Download(t.Context(), Request{MediaURL: srv.URL, Segment: seg, CacheDir: dir})
	if err == nil {
		t.Fatal("expected error on 403 response")
	}
}

func TestDownload_CancellationLeavesSegmentPending(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, 100))
		flusher, ok := w.(http.Flusher)
		if ok {
			flusher.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	dir := t.TempDir()
	seg := domain.NewSegment(0, 999)
	d := New(testConfig(), nil)

	cancelled := false
	err := d.Download(t.Context(), Request{
		MediaURL: srv.URL,
		Segment:  seg,
		CacheDir: dir,
		CancelToken: func() bool {
			cancelled = true
			return cancelled
		},
	})

	if err != domain.ErrTaskCancelled {
		t.Fatalf("expected ErrTaskCancelled, got %v", err)
	}
	if seg.Status() != domain.StatusPending {
		t.Fatalf("expected Pending after cancellation, got %v", seg.Status())
	}
	if _, statErr := os.Stat(filepath.Join(dir, seg.FinalFileName())); statErr == nil {
		t.Fatal("cancelled download must not leave a .seg file")
	}
}

func TestDownloadWithRetry_SucceedsAfterTransientFailure(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, 1000))
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := domain.NewSegment(0, 999)
	d := New(testConfig(), nil)

	err := d.DownloadWithRetry(t.Context(), Request{MediaURL: srv.URL, Segment: seg, CacheDir: dir})
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if attempts < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts)
	}
}
