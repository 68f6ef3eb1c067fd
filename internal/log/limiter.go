package log

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"firestige.xyz/spooftcp/internal/config"
)

// Limiter rate-limits log records per key so a failure that repeats on
// every packet produces one record per interval. Records dropped in between
// are counted and reported as "suppressed" on the next record for that key.
//
// A nil *Limiter logs every record.
type Limiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
	logger  *slog.Logger
	now     func() time.Time
}

type limiterEntry struct {
	lim        *rate.Limiter
	suppressed uint64
}

// NewLimiter allows burst records per key, refilled once per interval.
func NewLimiter(interval time.Duration, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Limiter{
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// NewLimiterFromConfig builds a Limiter from the log.rate_limit section.
func NewLimiterFromConfig(cfg config.RateLimitConfig) (*Limiter, error) {
	var interval time.Duration
	if cfg.Interval != "" {
		d, err := time.ParseDuration(cfg.Interval)
		if err != nil {
			return nil, fmt.Errorf("invalid log.rate_limit.interval %q: %w", cfg.Interval, err)
		}
		interval = d
	}
	return NewLimiter(interval, cfg.Burst), nil
}

// WithLogger makes the limiter write to logger instead of slog.Default.
func (l *Limiter) WithLogger(logger *slog.Logger) *Limiter {
	l.logger = logger
	return l
}

// Warn logs at warn level, subject to the limit for key.
func (l *Limiter) Warn(key, msg string, args ...any) bool {
	return l.Log(slog.LevelWarn, key, msg, args...)
}

// Error logs at error level, subject to the limit for key.
func (l *Limiter) Error(key, msg string, args ...any) bool {
	return l.Log(slog.LevelError, key, msg, args...)
}

// Log emits the record if key is within its limit and reports whether it did.
func (l *Limiter) Log(level slog.Level, key, msg string, args ...any) bool {
	if l == nil {
		slog.Log(context.Background(), level, msg, args...)
		return true
	}

	suppressed, ok := l.allow(key)
	if !ok {
		return false
	}
	if suppressed > 0 {
		args = append(args, "suppressed", suppressed)
	}

	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), level, msg, args...)
	return true
}

func (l *Limiter) allow(key string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	if !e.lim.AllowN(l.now(), 1) {
		e.suppressed++
		return 0, false
	}
	n := e.suppressed
	e.suppressed = 0
	return n, true
}

// Suppressed returns the number of records dropped for key since the last
// emitted one.
func (l *Limiter) Suppressed(key string) uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		return e.suppressed
	}
	return 0
}
