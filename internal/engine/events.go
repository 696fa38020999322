package engine

import (
	"encoding/json"
	"time"

	"perpdesk/internal/position"
)

type EventType string

const (
	EvtPositionOpened   EventType = "POSITION_OPENED"
	EvtPositionUpdated  EventType = "POSITION_UPDATED"
	EvtPositionClosed   EventType = "POSITION_CLOSED"
	EvtCooldownMark     EventType = "COOLDOWN_MARK"
	EvtDecisionRecorded EventType = "DECISION_RECORDED"
	EvtReconcile        EventType = "RECONCILE"
	EvtAdminReset       EventType = "ADMIN_RESET"
	EvtCapitalReset     EventType = "CAPITAL_RESET"
	EvtEmergencySet     EventType = "EMERGENCY_SET"
	EvtTimingReset      EventType = "TIMING_RESET"
)

// EventEnvelope is the message consumed by the engine actor.
type EventEnvelope struct {
	ID        string
	Type      EventType
	Payload   json.RawMessage
	CreatedAt time.Time
	Symbol    string

	// ReplyCh receives the handler result when set.
	ReplyCh chan error `json:"-"`
}

type PositionOpenedPayload struct {
	Position position.Position `json:"position"`
}

type PositionUpdatedPayload struct {
	Update position.Update `json:"update"`
}

type PositionClosedPayload struct {
	Closure position.Closure `json:"closure"`
}

type CooldownPayload struct {
	Symbol string    `json:"symbol"`
	At     time.Time `json:"at"`
}

type ReconcilePayload struct {
	Trigger string `json:"trigger"`
}

type ResetPayload struct {
	Reason string `json:"reason"`
}

type EmergencyPayload struct {
	On     bool   `json:"on"`
	Reason string `json:"reason"`
}

// shouldJournal filters high-frequency events out of the journal.
func shouldJournal(t EventType) bool {
	return t != EvtPositionUpdated
}
