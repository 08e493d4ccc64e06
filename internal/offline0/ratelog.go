package offline0

import (
	"log/slog"
	"sync"
	"time"
)

type rateLimitedLogger struct {
	log *slog.Logger

	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
}

func newRateLimitedLogger(log *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

// Warn logs at most once per interval and reports how many lines were
// swallowed in between.
func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		return
	}
	if l.suppressed > 0 {
		args = append(args, "suppressed", l.suppressed)
	}
	l.lastAt = now
	l.suppressed = 0
	l.log.Warn(msg, args...)
}
