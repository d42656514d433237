// Package api implements ProxyServer: the loopback-only HTTP listener
// that serves range requests for proxied media, coordinating with
// manager.DownloadManager and the segment cache to serve bytes as they
// arrive from upstream.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"golang.org/x/sync/singleflight"

	"github.com/mediacache/proxy/internal/config"
	"github.com/mediacache/proxy/internal/domain"
	"github.com/mediacache/proxy/internal/infra/logger"
	"github.com/mediacache/proxy/internal/manager"
	"github.com/mediacache/proxy/internal/preload"
	"github.com/mediacache/proxy/internal/queue"
	"github.com/mediacache/proxy/internal/task"
)

// ProxyServer is the loopback HTTP front door. Binds to 127.0.0.1 only:
// the player on the same device is the only intended client.
type ProxyServer struct {
	cfg     *config.Config
	log     *logger.Logger
	manager *manager.DownloadManager
	queue   *queue.GlobalQueue
	echo    *echo.Echo
	preload *preload.Debouncer

	startGroup singleflight.Group
	startMu    sync.Mutex
	started    bool
	baseURL    string
	listener   net.Listener
	httpServer *http.Server
}

// New wires the echo listener and routes for the proxy.
func New(cfg *config.Config, log *logger.Logger, mgr *manager.DownloadManager, q *queue.GlobalQueue) *ProxyServer {
	s := &ProxyServer{
		cfg:     cfg,
		log:     log,
		manager: mgr,
		queue:   q,
		echo:    echo.New(),
	}
	s.preload = preload.NewDebouncer(cfg, log, preload.New(cfg, log, mgr, q))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			if s.log != nil {
				s.log.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			}
			return nil
		},
	}))

	s.echo.GET("/media", s.handleMedia)
	s.echo.GET("/preload", s.handlePreload)
	s.echo.GET("/health", s.handleHealth)

	return s
}

// EnsureStarted binds addr and begins serving if it hasn't already,
// returning the resolved "http://host:port" base URL. Concurrent callers
// (e.g. several player-side components racing to talk to the proxy on
// first launch) all observe the same listener and the same base URL:
// the bind itself runs once behind a singleflight.Group, and once bound,
// later callers short-circuit on the cached result without re-entering
// the group at all.
func (s *ProxyServer) EnsureStarted(ctx context.Context, addr string) (string, error) {
	s.startMu.Lock()
	if s.started {
		url := s.baseURL
		s.startMu.Unlock()
		return url, nil
	}
	s.startMu.Unlock()

	v, err, _ := s.startGroup.Do("start", func() (any, error) {
		s.startMu.Lock()
		if s.started {
			url := s.baseURL
			s.startMu.Unlock()
			return url, nil
		}
		s.startMu.Unlock()

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return "", fmt.Errorf("listen on %s: %w", addr, err)
		}
		baseURL := fmt.Sprintf("http://%s", ln.Addr().String())
		srv := &http.Server{Handler: s.echo}

		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				if s.log != nil {
					s.log.Error("http server on %s: %v", addr, err)
				}
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.IdleTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		s.startMu.Lock()
		s.listener = ln
		s.httpServer = srv
		s.baseURL = baseURL
		s.started = true
		s.startMu.Unlock()

		return baseURL, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Start begins serving on 127.0.0.1:port and blocks until ctx is cancelled.
func (s *ProxyServer) Start(ctx context.Context, addr string) error {
	if _, err := s.EnsureStarted(ctx, addr); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *ProxyServer) handleHealth(c *echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// handlePreload hints that mediaURL is likely to be played next,
// warming its leading segments ahead of the player's first request. The
// hint is debounced: a rapid sequence of hints (a user scrubbing a
// playlist) only warms whichever media was hinted last.
func (s *ProxyServer) handlePreload(c *echo.Context) error {
	mediaURL := c.QueryParam("url")
	if mediaURL == "" {
		return c.String(http.StatusBadRequest, domain.ErrMissingURL.Error())
	}
	headers := parseForwardedHeaders(c.QueryParam("headers"))

	s.preload.Hint(mediaURL, headers)
	return c.NoContent(http.StatusAccepted)
}

// handleMedia implements the range-serving pipeline: resolve the task,
// parse the client's Range header, register this session as the
// "currently playing" media (promoting its queued work), kick off
// downloads for the requested window, and stream bytes back as segments
// complete.
func (s *ProxyServer) handleMedia(c *echo.Context) error {
	mediaURL := c.QueryParam("url")
	if mediaURL == "" {
		return c.String(http.StatusBadRequest, domain.ErrMissingURL.Error())
	}
	headers := parseForwardedHeaders(c.QueryParam("headers"))

	sessionID := uuid.New().String()

	ctx := c.Request().Context()
	t, err := s.manager.GetOrCreateTask(ctx, mediaURL, headers)
	if err != nil {
		if s.log != nil {
			s.log.Error("session %s: initialize task for %s: %v", sessionID, mediaURL, err)
		}
		return c.String(http.StatusBadGateway, "could not reach upstream media")
	}
	t.Touch()

	rangeStart, rangeEnd, hasRange := parseRangeHeader(c.Request().Header.Get("Range"), t.ContentLength())
	if !hasRange {
		rangeStart, rangeEnd = 0, t.ContentLength()-1
	}

	s.queue.SetCurrentPlaying(mediaURL)

	t.AddSession()
	if s.log != nil {
		s.log.Debug("session %s: start %s range %d-%d", sessionID, mediaURL, rangeStart, rangeEnd)
	}
	defer func() {
		t.RemoveSession()
		if t.ActiveSessions() == 0 {
			s.manager.RemoveTaskIfInactive(mediaURL, headers)
		}
		if s.log != nil {
			s.log.Debug("session %s: end", sessionID)
		}
	}()

	s.startDownloadsForSession(t, rangeStart, rangeEnd, mediaURL, headers)

	c.Response().Header().Set("Accept-Ranges", "bytes")
	c.Response().Header().Set("Content-Type", contentTypeOrDefault(t.ContentType()))
	c.Response().Header().Set("Content-Length", strconv.FormatInt(rangeEnd-rangeStart+1, 10))

	if hasRange {
		c.Response().Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rangeStart, rangeEnd, t.ContentLength()))
		c.Response().WriteHeader(http.StatusPartialContent)
	} else {
		c.Response().WriteHeader(http.StatusOK)
	}

	return streamToPlayer(ctx, c.Response(), t, rangeStart, rangeEnd, s.log)
}

// startDownloadsForSession selects segments covering the requested
// window plus a prefetch window ahead of it, and enqueues any that
// aren't already Completed/Downloading. The first segment is promoted
// to PLAYING_URGENT so playback can begin as soon as possible; the rest
// get PLAYING. A startup lock brackets exactly that first segment's
// lifecycle, not the whole session, so the scheduler's startup gate only
// reserves bandwidth for as long as it takes to get the player its first
// bytes. On a cold task (nothing ever completed) the window narrows to
// just that first segment, deferring the rest of the window until that
// segment has completed, at which point the full window is enqueued. It
// also triggers the MP4 moov-tail preload and a plain last-segment
// tail/insurance fetch that applies regardless of content type.
func (s *ProxyServer) startDownloadsForSession(t *task.DownloadTask, rangeStart, rangeEnd int64, mediaURL string, headers map[string]string) {
	prefetchBytes := int64(s.cfg.Queue.PrefetchWindowSegments) * s.cfg.Cache.SegmentSize
	windowEnd := rangeEnd + prefetchBytes
	if t.ContentLength() > 0 && windowEnd > t.ContentLength()-1 {
		windowEnd = t.ContentLength() - 1
	}

	segs := t.GetSegmentsForRange(rangeStart, windowEnd)
	sort.Slice(segs, func(i, j int) bool { return segs[i].StartByte < segs[j].StartByte })

	cold := !t.AnySegmentCompleted() && len(segs) > 1
	if cold {
		segs = segs[:1]
	}

	for i, seg := range segs {
		priority := config.PriorityPlaying
		first := i == 0
		if first {
			priority = config.PriorityPlayingUrgent
			s.queue.UpdateStartupLock(mediaURL, 1)
		}

		seg := seg
		s.queue.Enqueue(&queue.Item{
			MediaURL: mediaURL,
			Segment:  seg,
			CacheDir: t.CacheDir,
			Headers:  headers,
			Priority: priority,
			OnComplete: func(success bool) {
				t.UpdateSegmentStatus(seg, seg.Status())
				if first {
					s.queue.UpdateStartupLock(mediaURL, -1)
					if cold && success {
						s.startDownloadsForSession(t, rangeStart, rangeEnd, mediaURL, headers)
					}
				}
			},
		})
	}

	t.PreloadMoovSegment()

	if last := t.LastSegment(); last != nil && !last.IsCompleted() {
		s.queue.Enqueue(&queue.Item{
			MediaURL: mediaURL,
			Segment:  last,
			CacheDir: t.CacheDir,
			Headers:  headers,
			Priority: config.PriorityTailMoov,
			OnComplete: func(success bool) {
				t.UpdateSegmentStatus(last, last.Status())
			},
		})
	}
}

func parseForwardedHeaders(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, "|") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return headers
}

// parseRangeHeader parses a single-range "bytes=start-end" header,
// defaulting an open end to contentLength-1. A multi-range request is
// served as its first range only (HTML5/video players never send more).
func parseRangeHeader(header string, contentLength int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		spec = strings.SplitN(spec, ",", 2)[0]
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	if parts[0] == "" {
		// Suffix range "bytes=-N": last N bytes.
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || contentLength <= 0 {
			return 0, 0, false
		}
		start = contentLength - n
		if start < 0 {
			start = 0
		}
		return start, contentLength - 1, true
	}

	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	start = s

	if parts[1] == "" {
		if contentLength <= 0 {
			return 0, 0, false
		}
		return start, contentLength - 1, true
	}

	e, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end = e
	return start, end, true
}

func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
