package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mediacache/proxy/internal/config"
	"github.com/mediacache/proxy/internal/domain"
	"github.com/mediacache/proxy/internal/downloader"
)

func testConfig() *config.Config {
	return &config.Config{
		Queue: config.QueueConfig{
			GlobalMaxConcurrentDownloads:   4,
			PerMediaMaxConcurrentDownloads: 3,
			PauseOldDownloadsOnSwitch:      true,
		},
		HTTP: config.HTTPConfig{
			ConnectTimeout:    time.Second,
			IdleTimeout:       time.Second,
			StreamReadTimeout: time.Second,
		},
		Retry: config.RetryConfig{Count: 1, InitialDelay: time.Millisecond},
	}
}

func slowServer(t *testing.T, delay time.Duration, size int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, size))
	}))
}

func TestEnqueue_AlreadyCompletedInvokesOnCompleteSynchronously(t *testing.T) {
	cfg := testConfig()
	dl := downloader.New(cfg, nil)
	q := New(cfg, dl, nil)

	seg := domain.NewSegment(0, 99)
	seg.SetStatus(domain.StatusCompleted)

	called := make(chan bool, 1)
	q.Enqueue(&Item{
		MediaURL:   "http://example",
		Segment:    seg,
		Priority:   config.PriorityPlaying,
		OnComplete: func(success bool) { called <- success },
	})

	select {
	case success := <-called:
		if !success {
			t.Fatal("expected onComplete(true) for already-completed segment")
		}
	case <-time.After(time.Second):
		t.Fatal("onComplete not invoked")
	}

	if q.PendingCount() != 0 {
		t.Fatalf("expected no pending work, got %d", q.PendingCount())
	}
}

func TestQueue_RespectsGlobalConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.GlobalMaxConcurrentDownloads = 2
	cfg.Queue.PerMediaMaxConcurrentDownloads = 2

	srv := slowServer(t, 150*time.Millisecond, 10)
	defer srv.Close()

	dl := downloader.New(cfg, nil)
	q := New(cfg, dl, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	dir := t.TempDir()
	var wg sync.WaitGroup
	var mu sync.Mutex
	var maxObservedActive int

	for i := 0; i < 5; i++ {
		seg := domain.NewSegment(int64(i*10), int64(i*10+9))
		wg.Add(1)
		q.Enqueue(&Item{
			MediaURL: srv.URL,
			Segment:  seg,
			CacheDir: dir,
			Priority: config.PriorityPlaying,
			OnComplete: func(success bool) {
				wg.Done()
			},
		})
	}

	// Poll active count a few times while downloads are in flight.
	for i := 0; i < 10; i++ {
		time.Sleep(20 * time.Millisecond)
		active := q.ActiveCount()
		mu.Lock()
		if active > maxObservedActive {
			maxObservedActive = active
		}
		mu.Unlock()
	}

	wg.Wait()

	if maxObservedActive > cfg.Queue.GlobalMaxConcurrentDownloads {
		t.Fatalf("observed %d active downloads, cap is %d", maxObservedActive, cfg.Queue.GlobalMaxConcurrentDownloads)
	}
}

func TestStartupLock_BlocksLowPriorityWork(t *testing.T) {
	cfg := testConfig()
	dl := downloader.New(cfg, nil)
	q := New(cfg, dl, nil)

	q.UpdateStartupLock("http://playing", 1)

	seg := domain.NewSegment(0, 99)
	done := make(chan bool, 1)
	q.Enqueue(&Item{
		MediaURL:   "http://background",
		Segment:    seg,
		Priority:   config.PriorityBackground,
		OnComplete: func(success bool) { done <- success },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	select {
	case <-done:
		t.Fatal("background item must not start while a startup lock is held")
	case <-time.After(150 * time.Millisecond):
		// expected: nothing ran
	}

	if q.ActiveCount() != 0 {
		t.Fatalf("expected 0 active downloads under startup lock, got %d", q.ActiveCount())
	}
}

func TestSetCurrentPlaying_PromotesAndDemotes(t *testing.T) {
	cfg := testConfig()
	dl := downloader.New(cfg, nil)
	q := New(cfg, dl, nil)

	segA := domain.NewSegment(0, 99)
	segB := domain.NewSegment(0, 99)

	q.Enqueue(&Item{MediaURL: "A", Segment: segA, Priority: config.PriorityPlaying})
	q.SetCurrentPlaying("A")
	q.Enqueue(&Item{MediaURL: "B", Segment: segB, Priority: config.PriorityPlayingUrgent})

	q.SetCurrentPlaying("B")

	q.mu.Lock()
	var aPriority int
	for _, p := range q.pending {
		if p.MediaURL == "A" {
			aPriority = p.Priority
		}
	}
	q.mu.Unlock()

	if aPriority != config.PriorityBackground {
		t.Fatalf("expected A demoted to background, got %d", aPriority)
	}
}
