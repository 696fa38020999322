package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	opened := time.Unix(0, 0)
	long := Position{Side: Long, EntryPrice: d("100"), Quantity: d("1"), TakeProfit: d("100.6"), StopLoss: d("99.7"), Status: StatusActive, OpenedAt: opened}
	short := Position{Side: Short, EntryPrice: d("100"), Quantity: d("1"), TakeProfit: d("99.4"), StopLoss: d("100.3"), Status: StatusActive, OpenedAt: opened}

	cases := []struct {
		name   string
		p      Position
		price  string
		after  time.Duration
		hit    bool
		status Status
	}{
		{"long below target", long, "100.59", time.Minute, false, ""},
		{"long at target", long, "100.6", time.Minute, true, StatusClosedProfit},
		{"long at stop", long, "99.7", time.Minute, true, StatusClosedLoss},
		{"short at target", short, "99.4", time.Minute, true, StatusClosedProfit},
		{"short above stop", short, "100.5", time.Minute, true, StatusClosedLoss},
		{"timeout in profit", long, "100.3", time.Hour, true, StatusClosedTimeout},
		{"timeout in loss", short, "100.1", 2 * time.Hour, true, StatusClosedTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, hit := Evaluate(tc.p, d(tc.price), opened.Add(tc.after), time.Hour)
			assert.Equal(t, tc.hit, hit)
			assert.Equal(t, tc.status, tr.Status)
		})
	}
}

func TestEvaluateIgnoresClosedPositions(t *testing.T) {
	p := Position{Side: Long, TakeProfit: d("1"), StopLoss: d("0.5"), Status: StatusClosedLoss}
	_, hit := Evaluate(p, d("200"), time.Now(), time.Hour)
	assert.False(t, hit)
}

func TestUnrealizedPnLAndStatus(t *testing.T) {
	p := Position{Side: Short, EntryPrice: d("100"), Quantity: d("0.05")}
	pnl := UnrealizedPnL(p, d("98"))
	assert.True(t, pnl.Equal(d("0.1")))
	assert.Equal(t, StatusClosedProfit, StatusFromPnL(pnl))
	assert.Equal(t, StatusClosedLoss, StatusFromPnL(d("0")))
}

func TestArchiveCarriesClosure(t *testing.T) {
	opened := time.Unix(100, 0)
	p := Position{ID: "a", Side: Long, OpenedAt: opened, Status: StatusActive, UnrealizedPnL: d("1")}
	r := Archive(p, Closure{ID: "a", Status: StatusClosedProfit, ExitPrice: d("101"), RealizedPnL: d("1"), Reason: ReasonTakeProfit, ClosedAt: opened.Add(time.Minute)})
	assert.Equal(t, StatusClosedProfit, r.Status)
	assert.True(t, r.Won())
	assert.Equal(t, time.Minute, r.Held())
	assert.True(t, r.UnrealizedPnL.IsZero())
}
