// Package lease provides the non-blocking, leased lock that serializes the
// dispatch critical section (decide, reserve, order, record).
//
// A lease that is never released is taken over once it expires. This keeps
// the engine live when a critical section hangs, at the cost of strict mutual
// exclusion: a holder that outlives its lease can overlap the next one. It is
// not a deadlock-proof mutex.
package lease

import (
	"context"
	"sync/atomic"
	"time"

	"perpdesk/internal/logger"

	"github.com/google/uuid"
)

const DefaultTTL = 30 * time.Second

// Holder describes the current lease owner.
type Holder struct {
	Token      string    `json:"token"`
	Label      string    `json:"label"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Lease is the proof of ownership returned by TryAcquire.
type Lease struct {
	Token string
	Label string
}

type Lock struct {
	ttl     time.Duration
	nowFn   func() time.Time
	current atomic.Pointer[Holder]

	expired atomic.Int64
}

func New(ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lock{ttl: ttl, nowFn: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (l *Lock) WithClock(now func() time.Time) *Lock {
	if now != nil {
		l.nowFn = now
	}
	return l
}

// TryAcquire returns immediately. It fails if a live lease is held.
func (l *Lock) TryAcquire(label string) (Lease, bool) {
	now := l.nowFn()
	for {
		cur := l.current.Load()
		if cur != nil && now.Before(cur.ExpiresAt) {
			return Lease{}, false
		}
		next := &Holder{
			Token:      uuid.NewString(),
			Label:      label,
			AcquiredAt: now,
			ExpiresAt:  now.Add(l.ttl),
		}
		if l.current.CompareAndSwap(cur, next) {
			if cur != nil {
				l.expired.Add(1)
				logger.Warnf("ExecutionLock: lease held by %q since %s expired, taken over by %q",
					cur.Label, cur.AcquiredAt.Format(time.RFC3339), label)
			}
			return Lease{Token: next.Token, Label: label}, true
		}
	}
}

// Acquire polls TryAcquire until it succeeds or ctx is done.
func (l *Lock) Acquire(ctx context.Context, label string, poll time.Duration) (Lease, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	for {
		if ls, ok := l.TryAcquire(label); ok {
			return ls, nil
		}
		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Lease{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release is idempotent. A lease that already expired and was taken over does
// not release the newer holder.
func (l *Lock) Release(ls Lease) {
	if ls.Token == "" {
		return
	}
	cur := l.current.Load()
	if cur == nil || cur.Token != ls.Token {
		return
	}
	l.current.CompareAndSwap(cur, nil)
}

// ForceClear drops any holder regardless of token.
func (l *Lock) ForceClear() {
	if prev := l.current.Swap(nil); prev != nil {
		logger.Warnf("ExecutionLock: force-cleared lease held by %q", prev.Label)
	}
}

// Holder reports the live holder, if any.
func (l *Lock) Holder() (Holder, bool) {
	cur := l.current.Load()
	if cur == nil || !l.nowFn().Before(cur.ExpiresAt) {
		return Holder{}, false
	}
	return *cur, true
}

// ExpiredTakeovers counts leases that were reclaimed after expiring.
func (l *Lock) ExpiredTakeovers() int64 { return l.expired.Load() }
