package preload

import (
	"context"
	"sync"
	"time"

	"github.com/mediacache/proxy/internal/config"
	"github.com/mediacache/proxy/internal/infra/logger"
)

// request is the latest preload hint waiting to fire.
type request struct {
	mediaURL string
	headers  map[string]string
}

// Debouncer coalesces rapid-fire preload hints (a user scrubbing
// through a list of episodes) into a single Preload call for whichever
// media was hinted last, firing debounceInterval after the most recent
// hint arrives. Each new hint preempts any timer already scheduled for
// a different media.
type Debouncer struct {
	preloader    *Preloader
	log          *logger.Logger
	interval     time.Duration
	segmentCount int

	mu      sync.Mutex
	pending *request
	timer   *time.Timer
}

func NewDebouncer(cfg *config.Config, log *logger.Logger, preloader *Preloader) *Debouncer {
	return &Debouncer{
		preloader:    preloader,
		log:          log,
		interval:     cfg.Preload.DebounceInterval,
		segmentCount: cfg.Queue.PrefetchWindowSegments,
	}
}

// Hint records a preload request and (re)schedules the trailing fire.
// Any previously scheduled, not-yet-fired hint for a different media is
// dropped without ever calling Preload for it.
func (d *Debouncer) Hint(mediaURL string, headers map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = &request{mediaURL: mediaURL, headers: headers}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	req := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	if req == nil {
		return
	}

	if err := d.preloader.Preload(context.Background(), req.mediaURL, req.headers, d.segmentCount, true); err != nil && d.log != nil {
		d.log.Warn("preload for %s failed: %v", req.mediaURL, err)
	}
}
