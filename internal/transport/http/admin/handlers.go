package adminhttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"perpdesk/internal/engine"
	"perpdesk/internal/logger"
	"perpdesk/internal/pkg/symbol"
	"perpdesk/internal/position"

	"github.com/gin-gonic/gin"
)

const (
	defaultTradeLimit = 100
	maxTradeLimit     = 500
	adminTimeout      = 30 * time.Second
)

type handlers struct {
	desk   Desk
	trades TradeLister
}

func (h *handlers) register(g *gin.RouterGroup) {
	g.GET("/state", h.state)
	g.GET("/positions", h.positions)
	g.GET("/trades", h.listTrades)
	g.GET("/performance", h.performance)

	admin := g.Group("/admin")
	admin.POST("/reset-timing", h.action("reset_timing", h.desk.ForceResetTiming))
	admin.POST("/reset-testing", h.action("reset_testing", h.desk.ResetForTesting))
	admin.POST("/capital-reset", h.action("capital_reset", h.desk.EmergencyCapitalReset))
	admin.POST("/emergency-stop", h.emergencyStop)
	admin.POST("/emergency-stop/reset", h.action("emergency_reset", h.desk.ResetEmergencyStop))
}

func (h *handlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.desk.Snapshot())
}

func (h *handlers) positions(c *gin.Context) {
	snap := h.desk.Snapshot()
	all := c.Query("all") == "1" || strings.EqualFold(c.Query("all"), "true")
	out := make([]position.Position, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		if all || p.Status.IsOpen() {
			out = append(out, p)
		}
	}
	c.JSON(http.StatusOK, gin.H{"positions": out, "count": len(out)})
}

// listTrades reads the journal when one is configured and falls back to the
// in-memory history otherwise.
func (h *handlers) listTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultTradeLimit)))
	if limit <= 0 {
		limit = defaultTradeLimit
	}
	if limit > maxTradeLimit {
		limit = maxTradeLimit
	}
	sym := ""
	if raw := strings.TrimSpace(c.Query("symbol")); raw != "" {
		sym = symbol.Canonical(raw)
		if !symbol.IsValid(sym) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid symbol"})
			return
		}
	}

	if h.trades != nil {
		recs, err := h.trades.ListTrades(c.Request.Context(), sym, limit)
		if err != nil {
			logger.Errorf("[api] list trades failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"trades": recs, "source": "journal"})
		return
	}

	hist := h.desk.Snapshot().History
	out := make([]position.Record, 0, limit)
	for i := len(hist) - 1; i >= 0 && len(out) < limit; i-- {
		if sym == "" || hist[i].Symbol == sym {
			out = append(out, hist[i])
		}
	}
	c.JSON(http.StatusOK, gin.H{"trades": out, "source": "memory"})
}

func (h *handlers) performance(c *gin.Context) {
	c.JSON(http.StatusOK, h.desk.Performance())
}

type emergencyRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) emergencyStop(c *gin.Context) {
	var req emergencyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual (admin api)"
	}
	h.action("emergency_stop", func(ctx context.Context) error {
		return h.desk.TriggerEmergencyStop(ctx, reason)
	})(c)
}

func (h *handlers) action(name string, fn func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), adminTimeout)
		defer cancel()
		logger.Warnf("[api] admin %s requested ip=%s", name, c.ClientIP())
		if err := fn(ctx); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "action": name})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "action": name, "state": h.desk.Snapshot()})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrLockBusy):
		return http.StatusConflict
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
