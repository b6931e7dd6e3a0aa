package connection

import (
	"context"
	"time"

	"github.com/marmos91/coyote/internal/logger"
)

// DefaultScanInterval is how often waiting async requests are checked for
// expiry when no interval is configured.
const DefaultScanInterval = time.Second

// TimeoutScanner periodically times out async requests whose deadline has
// passed.
type TimeoutScanner struct {
	d        *Dispatcher
	interval time.Duration
	now      func() time.Time
}

func NewTimeoutScanner(d *Dispatcher, interval time.Duration) *TimeoutScanner {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &TimeoutScanner{d: d, interval: interval, now: time.Now}
}

// Run scans until ctx is cancelled. On the way out every request still
// waiting is timed out so no connection stays parked after shutdown.
func (s *TimeoutScanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Debug("Async timeout scanner started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.d.TimeoutWaiting(-1)
			logger.Debug("Async timeout scanner stopped")
			return nil
		case <-ticker.C:
			s.d.TimeoutWaiting(s.now().UnixMilli())
		}
	}
}
