// Package ledger tracks the fixed capital budget and what is committed to each
// symbol.
//
// A Ledger has no lock of its own. It is owned by the engine actor goroutine,
// which is the only caller that mutates it; Reserve checks and applies the
// allocation without yielding.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"perpdesk/internal/logger"

	"github.com/shopspring/decimal"
)

// ErrInvariantViolation is returned by Reconcile when allocations exceeded the
// total capital and were force-cleared.
var ErrInvariantViolation = errors.New("ledger: allocated capital exceeds total capital")

type Ledger struct {
	total     decimal.Decimal
	allocated map[string]decimal.Decimal
}

func New(total decimal.Decimal) *Ledger {
	if total.IsNegative() {
		total = decimal.Zero
	}
	return &Ledger{
		total:     total,
		allocated: make(map[string]decimal.Decimal),
	}
}

func (l *Ledger) Total() decimal.Decimal { return l.total }

// Allocated is the sum of all per-symbol allocations.
func (l *Ledger) Allocated() decimal.Decimal {
	sum := decimal.Zero
	for _, amt := range l.allocated {
		sum = sum.Add(amt)
	}
	return sum
}

// Available is total minus allocated, never below zero.
func (l *Ledger) Available() decimal.Decimal {
	avail := l.total.Sub(l.Allocated())
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

func (l *Ledger) AllocatedFor(symbol string) decimal.Decimal {
	return l.allocated[symbol]
}

// AllocatedBySymbol returns a copy of the allocation table.
func (l *Ledger) AllocatedBySymbol() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(l.allocated))
	for k, v := range l.allocated {
		out[k] = v
	}
	return out
}

// Reserve commits amount to symbol if the total stays within budget. It makes
// no change and returns false otherwise.
func (l *Ledger) Reserve(symbol string, amount decimal.Decimal) bool {
	if symbol == "" || amount.IsNegative() {
		return false
	}
	if amount.IsZero() {
		return true
	}
	if l.Allocated().Add(amount).GreaterThan(l.total) {
		return false
	}
	l.allocated[symbol] = l.allocated[symbol].Add(amount)
	return true
}

// Release returns amount from symbol, clamped at zero. The key is removed once
// the balance reaches zero.
func (l *Ledger) Release(symbol string, amount decimal.Decimal) {
	cur, ok := l.allocated[symbol]
	if !ok || amount.IsNegative() {
		return
	}
	next := cur.Sub(amount)
	if next.Sign() <= 0 {
		delete(l.allocated, symbol)
		return
	}
	l.allocated[symbol] = next
}

// Clear drops every allocation.
func (l *Ledger) Clear() {
	l.allocated = make(map[string]decimal.Decimal)
}

// Reconcile force-clears all allocations when they exceed the total. Callers
// treat a non-nil result as an alarm: it means a reserve/release pairing is
// broken somewhere.
func (l *Ledger) Reconcile() error {
	allocated := l.Allocated()
	if !allocated.GreaterThan(l.total) {
		return nil
	}
	logger.Errorf("Ledger: INVARIANT VIOLATION allocated=%s total=%s symbols=%v, clearing all allocations",
		allocated.StringFixed(4), l.total.StringFixed(4), l.symbols())
	l.Clear()
	return fmt.Errorf("%w (allocated=%s total=%s)", ErrInvariantViolation, allocated.StringFixed(4), l.total.StringFixed(4))
}

// ForceAllocate records an allocation without the budget check. It exists so
// that the self-check can be exercised; production code uses Reserve.
func (l *Ledger) ForceAllocate(symbol string, amount decimal.Decimal) {
	l.allocated[symbol] = l.allocated[symbol].Add(amount)
}

func (l *Ledger) symbols() []string {
	out := make([]string, 0, len(l.allocated))
	for k := range l.allocated {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
