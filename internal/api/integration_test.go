package api

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mediacache/proxy/internal/config"
	"github.com/mediacache/proxy/internal/downloader"
	"github.com/mediacache/proxy/internal/manager"
	"github.com/mediacache/proxy/internal/queue"
)

func testConfig(root string) *config.Config {
	return &config.Config{
		Cache: config.CacheConfig{
			Root:               root,
			SegmentSize:        500,
			MaxSegmentCount:    100,
			MaxCacheSize:       1 << 20,
			CleanupRatio:       0.7,
			MaxAge:             time.Hour,
			ConfigSaveInterval: time.Hour,
		},
		Queue: config.QueueConfig{
			GlobalMaxConcurrentDownloads:   4,
			PerMediaMaxConcurrentDownloads: 3,
			PrefetchWindowSegments:         2,
		},
		HTTP: config.HTTPConfig{
			ConnectTimeout:    2 * time.Second,
			IdleTimeout:       2 * time.Second,
			StreamReadTimeout: 2 * time.Second,
		},
		MP4:   config.MP4Config{DetectionBytes: 64, SkipDetectionThreshold: 2000},
		Retry: config.RetryConfig{Count: 1, InitialDelay: time.Millisecond},
	}
}

func TestHandleMedia_ServesFullContent(t *testing.T) {
	payload := make([]byte, 1200)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1200")
		w.Header().Set("Content-Type", "video/mp4")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}

		rng := r.Header.Get("Range")
		if rng == "" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(payload)
			return
		}

		var start, end int
		_, _ = fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload[start:])
	}))
	defer upstream.Close()

	root := t.TempDir()
	cfg := testConfig(root)
	dl := downloader.New(cfg, nil)
	q := queue.New(cfg, dl, nil)
	go q.Start(t.Context())

	mgr, err := manager.New(cfg, nil, q)
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	defer mgr.Close()

	s := New(cfg, nil, mgr, q)
	server := httptest.NewServer(s.echo)
	defer server.Close()

	resp, err := http.Get(server.URL + "/media?url=" + upstream.URL)
	if err != nil {
		t.Fatalf("GET /media: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) != len(payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), len(body))
	}
}

func TestHandleMedia_ServesPartialRange(t *testing.T) {
	payload := make([]byte, 1200)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1200")
		w.Header().Set("Content-Type", "video/mp4")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}

		rng := r.Header.Get("Range")
		if rng == "" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(payload)
			return
		}

		var start, end int
		_, _ = fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload[start:])
	}))
	defer upstream.Close()

	root := t.TempDir()
	cfg := testConfig(root)
	dl := downloader.New(cfg, nil)
	q := queue.New(cfg, dl, nil)
	go q.Start(t.Context())

	mgr, err := manager.New(cfg, nil, q)
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	defer mgr.Close()

	s := New(cfg, nil, mgr, q)
	server := httptest.NewServer(s.echo)
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/media?url="+upstream.URL, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Range", "bytes=600-899")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /media: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", resp.StatusCode)
	}
	wantRange := "bytes 600-899/1200"
	if got := resp.Header.Get("Content-Range"); got != wantRange {
		t.Fatalf("expected Content-Range %q, got %q", wantRange, got)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) != 300 {
		t.Fatalf("expected 300 bytes, got %d", len(body))
	}
	for i, b := range body {
		if want := payload[600+i]; b != want {
			t.Fatalf("byte %d: expected %d, got %d", 600+i, want, b)
		}
	}
}

func TestHandleMedia_MissingURLReturns400(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	dl := downloader.New(cfg, nil)
	q := queue.New(cfg, dl, nil)
	go q.Start(t.Context())

	mgr, err := manager.New(cfg, nil, q)
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	defer mgr.Close()

	s := New(cfg, nil, mgr, q)
	server := httptest.NewServer(s.echo)
	defer server.Close()

	resp, err := http.Get(server.URL + "/media")
	if err != nil {
		t.Fatalf("GET /media: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandlePreload_AcceptsHint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "500")
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write(make([]byte, 500))
		}
	}))
	defer upstream.Close()

	root := t.TempDir()
	cfg := testConfig(root)
	cfg.Preload = config.PreloadConfig{DebounceInterval: 10 * time.Millisecond}
	dl := downloader.New(cfg, nil)
	q := queue.New(cfg, dl, nil)
	go q.Start(t.Context())

	mgr, err := manager.New(cfg, nil, q)
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	defer mgr.Close()

	s := New(cfg, nil, mgr, q)
	server := httptest.NewServer(s.echo)
	defer server.Close()

	resp, err := http.Get(server.URL + "/preload?url=" + upstream.URL)
	if err != nil {
		t.Fatalf("GET /preload: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	deadline := time.After(2 * time.Second)
	for {
		tk, ok := mgr.LookupTask(upstream.URL, nil)
		if ok && tk.AnySegmentCompleted() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for preload hint to warm a segment")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
