// Package adminhttp serves engine state, metrics and operator controls.
package adminhttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"perpdesk/internal/engine"
	"perpdesk/internal/logger"
	"perpdesk/internal/position"

	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 5 * time.Second

// Desk is the engine surface the admin API reads and drives.
type Desk interface {
	Snapshot() *engine.Snapshot
	Performance() *engine.Performance
	ForceResetTiming(ctx context.Context) error
	ResetForTesting(ctx context.Context) error
	EmergencyCapitalReset(ctx context.Context) error
	TriggerEmergencyStop(ctx context.Context, reason string) error
	ResetEmergencyStop(ctx context.Context) error
}

// TradeLister reads persisted trades, newest first.
type TradeLister interface {
	ListTrades(ctx context.Context, symbol string, limit int) ([]position.Record, error)
}

type ServerConfig struct {
	Addr    string
	Desk    Desk
	Trades  TradeLister
	Metrics http.Handler
}

type Server struct {
	addr   string
	router *gin.Engine
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Desk == nil {
		return nil, errors.New("admin http server requires an engine")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	h := &handlers{desk: cfg.Desk, trades: cfg.Trades}
	h.register(router.Group("/api"))

	return &Server{addr: cfg.Addr, router: router}, nil
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("admin http listening on %s", ln.Addr())

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
