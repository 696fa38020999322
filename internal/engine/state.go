package engine

import (
	"sort"
	"time"

	"perpdesk/internal/ledger"
	"perpdesk/internal/lease"
	"perpdesk/internal/pkg/circuit"
	"perpdesk/internal/position"
	"perpdesk/internal/risk"

	"github.com/shopspring/decimal"
)

const maxAlerts = 50

// Alert is a high-severity engine event kept for the snapshot.
type Alert struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// state is owned by the actor goroutine. Nothing else touches it.
type state struct {
	ledger    *ledger.Ledger
	positions map[string]*position.Position
	history   []position.Record
	cooldowns map[string]time.Time

	lastDecision *risk.Decision

	emergency       bool
	emergencyReason string
	emergencyAt     time.Time

	realized   decimal.Decimal
	peakEquity decimal.Decimal

	winStreak int
	recent    []bool

	violations int
	alerts     []Alert
}

func newState(total decimal.Decimal) *state {
	return &state{
		ledger:     ledger.New(total),
		positions:  make(map[string]*position.Position),
		cooldowns:  make(map[string]time.Time),
		realized:   decimal.Zero,
		peakEquity: total,
	}
}

func (s *state) activeCount() int {
	n := 0
	for _, p := range s.positions {
		if p.Status.IsOpen() {
			n++
		}
	}
	return n
}

// drawdown is the fall of realized equity from its peak, as a fraction of
// total capital.
func (s *state) drawdown() float64 {
	total := s.ledger.Total()
	if !total.IsPositive() {
		return 0
	}
	equity := total.Add(s.realized)
	dd := s.peakEquity.Sub(equity)
	if !dd.IsPositive() {
		return 0
	}
	f, _ := dd.Div(total).Float64()
	return f
}

func (s *state) alert(at time.Time, kind, msg string) {
	s.alerts = append(s.alerts, Alert{At: at, Kind: kind, Message: msg})
	if len(s.alerts) > maxAlerts {
		s.alerts = s.alerts[len(s.alerts)-maxAlerts:]
	}
}

// Snapshot is an immutable copy of engine state. It is safe to share.
type Snapshot struct {
	At                time.Time                  `json:"at"`
	TotalCapital      decimal.Decimal            `json:"total_capital"`
	Allocated         decimal.Decimal            `json:"allocated"`
	Available         decimal.Decimal            `json:"available"`
	AllocatedBySymbol map[string]decimal.Decimal `json:"allocated_by_symbol"`
	Positions         []position.Position        `json:"positions"`
	History           []position.Record          `json:"history"`
	Cooldowns         map[string]time.Time       `json:"cooldowns"`
	Risk              RiskSnapshot               `json:"risk"`
	Lock              *lease.Holder              `json:"lock,omitempty"`
	DispatchInterval  time.Duration              `json:"dispatch_interval"`
	Violations        int                        `json:"invariant_violations"`
	Alerts            []Alert                    `json:"alerts"`
}

type RiskSnapshot struct {
	EmergencyStop     bool             `json:"emergency_stop"`
	EmergencyReason   string           `json:"emergency_reason,omitempty"`
	EmergencyAt       time.Time        `json:"emergency_at,omitempty"`
	Circuit           circuit.Snapshot `json:"circuit_breaker"`
	Drawdown          float64          `json:"drawdown"`
	RealizedPnL       decimal.Decimal  `json:"realized_pnl"`
	ConsecutiveLosses int              `json:"consecutive_losses"`
	ConsecutiveWins   int              `json:"consecutive_wins"`
	LastDecision      *risk.Decision   `json:"last_decision,omitempty"`
}

func (s *Snapshot) ActiveCount() int {
	n := 0
	for _, p := range s.Positions {
		if p.Status.IsOpen() {
			n++
		}
	}
	return n
}

// Holds reports whether an open position exists for symbol.
func (s *Snapshot) Holds(symbol string) bool {
	for _, p := range s.Positions {
		if p.Symbol == symbol && p.Status.IsOpen() {
			return true
		}
	}
	return false
}

func (s *Snapshot) HeldSymbols() []string {
	out := make([]string, 0, len(s.Positions))
	for _, p := range s.Positions {
		if p.Status.IsOpen() {
			out = append(out, p.Symbol)
		}
	}
	return out
}

func (s *Snapshot) riskState(circuitOpen bool) risk.State {
	return risk.State{
		TotalCapital:      s.TotalCapital,
		Allocated:         s.Allocated,
		ActivePositions:   s.ActiveCount(),
		Cooldowns:         s.Cooldowns,
		Drawdown:          s.Risk.Drawdown,
		ConsecutiveLosses: s.Risk.ConsecutiveLosses,
		EmergencyStop:     s.Risk.EmergencyStop,
		CircuitOpen:       circuitOpen,
	}
}

func (e *Engine) buildSnapshot() *Snapshot {
	st := e.state
	snap := &Snapshot{
		At:                e.nowFn(),
		TotalCapital:      st.ledger.Total(),
		Allocated:         st.ledger.Allocated(),
		Available:         st.ledger.Available(),
		AllocatedBySymbol: st.ledger.AllocatedBySymbol(),
		Positions:         make([]position.Position, 0, len(st.positions)),
		History:           make([]position.Record, len(st.history)),
		Cooldowns:         make(map[string]time.Time, len(st.cooldowns)),
		DispatchInterval:  e.dispatchSched.Interval(),
		Violations:        st.violations,
		Alerts:            append([]Alert(nil), st.alerts...),
	}
	for _, p := range st.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		if snap.Positions[i].OpenedAt.Equal(snap.Positions[j].OpenedAt) {
			return snap.Positions[i].ID < snap.Positions[j].ID
		}
		return snap.Positions[i].OpenedAt.Before(snap.Positions[j].OpenedAt)
	})
	copy(snap.History, st.history)
	for k, v := range st.cooldowns {
		snap.Cooldowns[k] = v
	}
	cb := e.breaker.Snapshot()
	snap.Risk = RiskSnapshot{
		EmergencyStop:     st.emergency,
		EmergencyReason:   st.emergencyReason,
		EmergencyAt:       st.emergencyAt,
		Circuit:           cb,
		Drawdown:          st.drawdown(),
		RealizedPnL:       st.realized,
		ConsecutiveLosses: cb.Failures,
		ConsecutiveWins:   st.winStreak,
	}
	if st.lastDecision != nil {
		d := *st.lastDecision
		snap.Risk.LastDecision = &d
	}
	if h, ok := e.lock.Holder(); ok {
		snap.Lock = &h
	}
	return snap
}
