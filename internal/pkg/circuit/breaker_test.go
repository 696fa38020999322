package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterConsecutiveLosses(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker("losses", 3, 30*time.Minute).WithClock(func() time.Time { return now })
	cb.SetStateChangeHandler(func(string, State, State) {})

	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.False(t, cb.Allow())
	assert.True(t, cb.IsOpen())
	assert.Equal(t, "OPEN", cb.Snapshot().State)
	assert.Equal(t, now.Add(30*time.Minute), cb.Snapshot().ReopensAt)

	now = now.Add(31 * time.Minute)
	assert.False(t, cb.IsOpen())
	assert.True(t, cb.Allow())
	assert.Equal(t, "HALF-OPEN", cb.Snapshot().State)

	cb.RecordFailure()
	assert.False(t, cb.Allow())
}

func TestBreakerWinResetsStreak(t *testing.T) {
	cb := NewCircuitBreaker("losses", 2, time.Minute)
	cb.SetStateChangeHandler(func(string, State, State) {})
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.True(t, cb.Allow())
	assert.Equal(t, 1, cb.Failures())
}

func TestBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker("losses", 1, time.Hour)
	cb.SetStateChangeHandler(func(string, State, State) {})
	cb.RecordFailure()
	assert.False(t, cb.Allow())
	cb.Reset()
	assert.True(t, cb.Allow())
	assert.Zero(t, cb.Failures())
}

func TestBreakerHalfOpenAdmitsOneTrial(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker("losses", 1, time.Minute).WithClock(func() time.Time { return now })
	cb.SetStateChangeHandler(func(string, State, State) {})
	cb.RecordFailure()
	now = now.Add(2 * time.Minute)

	assert.True(t, cb.Allow())
	assert.True(t, cb.Allow(), "nothing admitted yet")
	cb.Admitted()
	assert.False(t, cb.Allow())
	assert.False(t, cb.Allow())
	assert.Equal(t, "HALF-OPEN", cb.Snapshot().State)

	cb.RecordSuccess()
	assert.True(t, cb.Allow())
	assert.Equal(t, "CLOSED", cb.Snapshot().State)
}

func TestBreakerClearTrialFreesSlot(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker("losses", 1, time.Minute).WithClock(func() time.Time { return now })
	cb.SetStateChangeHandler(func(string, State, State) {})
	cb.RecordFailure()
	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	cb.Admitted()
	assert.False(t, cb.Allow())
	cb.ClearTrial()
	assert.True(t, cb.Allow())

	cb.Admitted()
	cb.Admitted()
	cb.Reset()
	cb.Admitted()
	assert.True(t, cb.Allow(), "admissions while closed do not hold a trial")
}
