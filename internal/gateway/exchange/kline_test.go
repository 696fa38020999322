package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalDuration(t *testing.T) {
	for in, want := range map[string]time.Duration{"5m": 5 * time.Minute, "4H": 4 * time.Hour, "1d": 24 * time.Hour, "1w": 7 * 24 * time.Hour} {
		d, ok := IntervalDuration(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, d, in)
	}
	for _, in := range []string{"", "m", "5x", "0m", "-1h"} {
		_, ok := IntervalDuration(in)
		assert.False(t, ok, in)
	}
}

func TestClosedOnly(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 2, 30, 0, time.UTC)
	klines := []Kline{
		{OpenTime: now.Add(-150 * time.Second).UnixMilli()},
		{OpenTime: now.Add(-30 * time.Second).UnixMilli()},
	}
	assert.Len(t, ClosedOnly(klines, time.Minute, now), 1)
	assert.Len(t, ClosedOnly(klines, time.Minute, now.Add(time.Minute)), 2)

	withClose := []Kline{{OpenTime: 1, CloseTime: now.Add(-time.Minute).UnixMilli()}}
	assert.Len(t, ClosedOnly(withClose, time.Minute, now), 1)
	assert.Empty(t, ClosedOnly(nil, time.Minute, now))
}
