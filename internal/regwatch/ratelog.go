package regwatch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger emits at most one warning per interval and reports how
// many were swallowed in between. Used for per-request failures that would
// otherwise flood the log.
type rateLimitedLogger struct {
	log      zerolog.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(err error, msg string) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	suppressed := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	ev := l.log.Warn().Err(err)
	if suppressed > 0 {
		ev = ev.Int("suppressed", suppressed)
	}
	ev.Msg(msg)
}
