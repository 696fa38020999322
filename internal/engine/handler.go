package engine

import "perpdesk/internal/logger"

// EventHandler handles one event type on the actor goroutine.
type EventHandler interface {
	Type() EventType
	Handle(ctx *HandlerContext, payload []byte, traceID string) error
}

// HandlerContext gives handlers access to the engine.
type HandlerContext struct {
	engine *Engine
}

func NewHandlerContext(e *Engine) *HandlerContext {
	return &HandlerContext{engine: e}
}

func (c *HandlerContext) Engine() *Engine {
	return c.engine
}

type HandlerRegistry struct {
	handlers map[EventType]EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[EventType]EventHandler)}
}

// Register adds h, replacing any handler for the same type.
func (r *HandlerRegistry) Register(h EventHandler) {
	if h == nil {
		return
	}
	r.handlers[h.Type()] = h
}

func (r *HandlerRegistry) Get(t EventType) (EventHandler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

func (r *HandlerRegistry) RegisterDefaultHandlers() {
	r.Register(&PositionOpenedHandler{})
	r.Register(&PositionUpdatedHandler{})
	r.Register(&PositionClosedHandler{})
	r.Register(&CooldownMarkHandler{})
	r.Register(&DecisionRecordedHandler{})
	r.Register(&ReconcileHandler{})
	r.Register(&AdminResetHandler{})
	r.Register(&CapitalResetHandler{})
	r.Register(&EmergencySetHandler{})
	r.Register(&TimingResetHandler{})
	logger.Debugf("Engine: registered %d event handlers", len(r.handlers))
}

type PositionOpenedHandler struct{}

func (h *PositionOpenedHandler) Type() EventType { return EvtPositionOpened }

func (h *PositionOpenedHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	return ctx.Engine().applyPositionOpened(payload)
}

type PositionUpdatedHandler struct{}

func (h *PositionUpdatedHandler) Type() EventType { return EvtPositionUpdated }

func (h *PositionUpdatedHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	return ctx.Engine().applyPositionUpdated(payload)
}

type PositionClosedHandler struct{}

func (h *PositionClosedHandler) Type() EventType { return EvtPositionClosed }

func (h *PositionClosedHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	return ctx.Engine().applyPositionClosed(payload)
}

type CooldownMarkHandler struct{}

func (h *CooldownMarkHandler) Type() EventType { return EvtCooldownMark }

func (h *CooldownMarkHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	return ctx.Engine().applyCooldown(payload)
}

type DecisionRecordedHandler struct{}

func (h *DecisionRecordedHandler) Type() EventType { return EvtDecisionRecorded }

func (h *DecisionRecordedHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	return ctx.Engine().applyDecision(payload)
}

type ReconcileHandler struct{}

func (h *ReconcileHandler) Type() EventType { return EvtReconcile }

func (h *ReconcileHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	return ctx.Engine().applyReconcile(payload)
}

type AdminResetHandler struct{}

func (h *AdminResetHandler) Type() EventType { return EvtAdminReset }

func (h *AdminResetHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	return ctx.Engine().applyAdminReset(payload)
}

type CapitalResetHandler struct{}

func (h *CapitalResetHandler) Type() EventType { return EvtCapitalReset }

func (h *CapitalResetHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	return ctx.Engine().applyCapitalReset(payload)
}

type EmergencySetHandler struct{}

func (h *EmergencySetHandler) Type() EventType { return EvtEmergencySet }

func (h *EmergencySetHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	return ctx.Engine().applyEmergency(payload)
}

type TimingResetHandler struct{}

func (h *TimingResetHandler) Type() EventType { return EvtTimingReset }

func (h *TimingResetHandler) Handle(ctx *HandlerContext, _ []byte, _ string) error {
	return ctx.Engine().applyTimingReset()
}
