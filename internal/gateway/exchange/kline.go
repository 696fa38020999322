package exchange

import (
	"strconv"
	"strings"
	"time"
)

// closeGrace is how long after its nominal close a candle is still treated
// as forming. Venues publish the final print a few seconds late.
const closeGrace = 10 * time.Second

var intervalUnits = map[byte]time.Duration{
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// IntervalDuration converts a candle interval such as "5m" or "4h".
func IntervalDuration(interval string) (time.Duration, bool) {
	s := strings.ToLower(strings.TrimSpace(interval))
	if len(s) < 2 {
		return 0, false
	}
	unit, ok := intervalUnits[s[len(s)-1]]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// ClosedOnly trims the trailing candle when it was still forming at now.
// CloseTime is used when present, OpenTime plus interval otherwise.
func ClosedOnly(klines []Kline, interval time.Duration, now time.Time) []Kline {
	if len(klines) == 0 {
		return klines
	}
	last := klines[len(klines)-1]
	closeMs := last.CloseTime
	if closeMs <= 0 {
		if last.OpenTime <= 0 || interval <= 0 {
			return klines
		}
		closeMs = last.OpenTime + interval.Milliseconds()
	}
	if now.UnixMilli() < closeMs+closeGrace.Milliseconds() {
		return klines[:len(klines)-1]
	}
	return klines
}
