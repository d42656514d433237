package preload

import (
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
		MP4:     config.MP4Config{DetectionBytes: 64, SkipDetectionThreshold: 2000},
		Retry:   config.RetryConfig{Count: 1, InitialDelay: time.Millisecond},
		Preload: config.PreloadConfig{DebounceInterval: 30 * time.Millisecond},
	}
}

func newHarness(t *testing.T, root string) (*config.Config, *manager.DownloadManager, *queue.GlobalQueue) {
	t.Helper()
	cfg := testConfig(root)
	dl := downloader.New(cfg, nil)
	q := queue.New(cfg, dl, nil)
	go q.Start(t.Context())

	mgr, err := manager.New(cfg, nil, q)
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return cfg, mgr, q
}

func TestPreload_EnqueuesLeadingSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1500")
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write(make([]byte, 1500))
		}
	}))
	defer srv.Close()

	root := t.TempDir()
	cfg, mgr, q := newHarness(t, root)
	p := New(cfg, nil, mgr, q)

	if err := p.Preload(t.Context(), srv.URL, nil, cfg.Queue.PrefetchWindowSegments, true); err != nil {
		t.Fatalf("Preload: %v", err)
	}

	tk, ok := mgr.LookupTask(srv.URL, nil)
	if !ok {
		t.Fatal("expected task to exist after Preload")
	}

	deadline := time.After(2 * time.Second)
	for {
		if tk.AnySegmentCompleted() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for preloaded segment to complete")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDebouncer_OnlyFiresForLastHint(t *testing.T) {
	var seenA, seenB int
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenA++
		w.Header().Set("Content-Length", "500")
		w.WriteHeader(http.StatusOK)
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenB++
		w.Header().Set("Content-Length", "500")
		w.WriteHeader(http.StatusOK)
	}))
	defer srvB.Close()

	root := t.TempDir()
	cfg, mgr, q := newHarness(t, root)
	p := New(cfg, nil, mgr, q)
	d := NewDebouncer(cfg, nil, p)

	d.Hint(srvA.URL, nil)
	d.Hint(srvB.URL, nil)

	time.Sleep(100 * time.Millisecond)

	if seenA != 0 {
		t.Fatalf("expected preempted hint for A to never fire, got %d probe(s)", seenA)
	}
	if seenB == 0 {
		t.Fatal("expected the last hint (B) to fire")
	}
}
