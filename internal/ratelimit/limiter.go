// Package ratelimit throttles outbound exchange calls. Callers that would
// exceed the rolling ceiling or the minimum spacing are delayed, not rejected.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"perpdesk/internal/logger"
)

// ErrRateLimited marks an error returned by the exchange for exceeding its
// request quota. The limiter backs off and retries the same call on it.
var ErrRateLimited = errors.New("rate limited by exchange")

type Config struct {
	MaxPerWindow int
	Window       time.Duration
	MinSpacing   time.Duration
	Backoff      time.Duration
	MaxRetries   int
}

// DefaultConfig mirrors the public-endpoint quota: 120 calls per minute with
// 500ms between consecutive calls and a 5s pause after a quota error.
func DefaultConfig() Config {
	return Config{
		MaxPerWindow: 120,
		Window:       time.Minute,
		MinSpacing:   500 * time.Millisecond,
		Backoff:      5 * time.Second,
		MaxRetries:   3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxPerWindow <= 0 {
		c.MaxPerWindow = def.MaxPerWindow
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.MinSpacing < 0 {
		c.MinSpacing = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = def.Backoff
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

type Limiter struct {
	cfg Config

	// mu is held while a caller waits for its slot, which queues the others.
	mu     sync.Mutex
	stamps []time.Time
	last   time.Time

	blockedUntil atomic.Int64
	delayed      atomic.Int64
	backoffs     atomic.Int64

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		nowFn:   time.Now,
		sleepFn: sleepCtx,
	}
}

// WithClock replaces the time source and sleeper. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Limiter {
	if now != nil {
		l.nowFn = now
	}
	if sleep != nil {
		l.sleepFn = sleep
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait blocks until a call may be issued and records it.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		wait := l.nextDelay(l.nowFn())
		if wait <= 0 {
			break
		}
		l.delayed.Add(1)
		logger.Debugf("RateLimiter: delaying call by %s", wait)
		if err := l.sleepFn(ctx, wait); err != nil {
			return err
		}
	}
	now := l.nowFn()
	l.stamps = append(l.stamps, now)
	l.last = now
	return nil
}

func (l *Limiter) nextDelay(now time.Time) time.Duration {
	var wait time.Duration
	if until := l.blockedUntil.Load(); until > 0 {
		if d := time.Unix(0, until).Sub(now); d > wait {
			wait = d
		}
	}
	cutoff := now.Add(-l.cfg.Window)
	drop := 0
	for drop < len(l.stamps) && !l.stamps[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[drop:]...)
	}
	if len(l.stamps) >= l.cfg.MaxPerWindow {
		if d := l.stamps[0].Add(l.cfg.Window).Sub(now); d > wait {
			wait = d
		}
	}
	if !l.last.IsZero() && l.cfg.MinSpacing > 0 {
		if d := l.last.Add(l.cfg.MinSpacing).Sub(now); d > wait {
			wait = d
		}
	}
	return wait
}

// Backoff pauses every caller for d (the configured back-off when d <= 0).
func (l *Limiter) Backoff(d time.Duration) {
	if d <= 0 {
		d = l.cfg.Backoff
	}
	until := l.nowFn().Add(d).UnixNano()
	for {
		cur := l.blockedUntil.Load()
		if cur >= until {
			return
		}
		if l.blockedUntil.CompareAndSwap(cur, until) {
			l.backoffs.Add(1)
			logger.Warnf("RateLimiter: exchange quota hit, backing off for %s", d)
			return
		}
	}
}

// Do waits for a slot and runs fn. A rate-limit error triggers a back-off and
// a retry of the same call, up to MaxRetries times.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := l.Wait(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil || !errors.Is(err, ErrRateLimited) {
			return err
		}
		l.Backoff(0)
		if attempt >= l.cfg.MaxRetries {
			return err
		}
	}
}

type Stats struct {
	InWindow int   `json:"in_window"`
	Delayed  int64 `json:"delayed"`
	Backoffs int64 `json:"backoffs"`
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.nowFn().Add(-l.cfg.Window)
	n := 0
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return Stats{InWindow: n, Delayed: l.delayed.Load(), Backoffs: l.backoffs.Load()}
}
