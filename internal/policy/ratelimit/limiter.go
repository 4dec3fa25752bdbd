// Package ratelimit enforces the registry politeness contract: one
// request stream, a minimum inter-call interval and exponential
// backoff bookkeeping on failures.
package ratelimit

import (
	"math"
	"net/http"
	"sync"
	"time"
)

// Config holds rate limiter configuration.
type Config struct {
	Interval      time.Duration
	BackoffFactor float64
	MaxBackoff    time.Duration
}

// Limiter is safe for use from multiple goroutines even though the
// harvester issues a single stream of calls; the last-call field is
// the sole synchronization point for Source access.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	lastCall time.Time
	failures int

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a Limiter with sane fallbacks for zero config values.
func New(cfg Config) *Limiter {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 1
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Limiter{
		cfg:   cfg,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// WaitIfNeeded blocks until at least the configured interval has
// elapsed since the previous call and returns the elapsed wait. The
// first call never waits.
func (l *Limiter) WaitIfNeeded() time.Duration {
	l.mu.Lock()
	var wait time.Duration
	if !l.lastCall.IsZero() {
		elapsed := l.now().Sub(l.lastCall)
		if elapsed < l.cfg.Interval {
			wait = l.cfg.Interval - elapsed
		}
	}
	l.mu.Unlock()

	if wait > 0 {
		l.sleep(wait)
	}

	l.mu.Lock()
	l.lastCall = l.now()
	l.mu.Unlock()
	return wait
}

// RecordFailure increments the failure counter and returns the backoff
// delay the caller should sleep. The delay doubles per consecutive
// failure and doubles again when the status code indicates server-side
// throttling, capped at MaxBackoff. The limiter never sleeps here,
// which keeps it synchronously testable.
func (l *Limiter) RecordFailure(statusCode int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures++
	multiplier := 1.0
	if statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable {
		multiplier = 2.0
	}
	delay := l.cfg.BackoffFactor * multiplier * math.Pow(2, float64(l.failures-1))
	capped := time.Duration(delay * float64(time.Second))
	if capped > l.cfg.MaxBackoff || capped < 0 {
		capped = l.cfg.MaxBackoff
	}
	return capped
}

// ResetFailures zeroes the failure counter after any success.
func (l *Limiter) ResetFailures() {
	l.mu.Lock()
	l.failures = 0
	l.mu.Unlock()
}

// Failures reports the current consecutive failure count.
func (l *Limiter) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}
