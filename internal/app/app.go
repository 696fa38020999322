// Package app wires configuration into a running engine and admin server.
package app

import (
	"context"
	"fmt"

	"perpdesk/internal/config"
	"perpdesk/internal/engine"
	"perpdesk/internal/journal"
	"perpdesk/internal/logger"
	adminhttp "perpdesk/internal/transport/http/admin"
	"perpdesk/internal/universe"

	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg      *config.Config
	engine   *engine.Engine
	http     *adminhttp.Server
	universe universe.Provider
	journal  *journal.Store
	Summary  *StartupSummary
}

// NewApp builds the application without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return NewAppBuilder(cfg).Build(context.Background())
}

// Run serves until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.engine == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer closeJournal(a.journal)

	group, ctx := errgroup.WithContext(ctx)

	if w, ok := a.universe.(*universe.File); ok {
		if err := w.Watch(ctx); err != nil {
			logger.Warnf("universe watch disabled: %v", err)
		}
	}

	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("admin http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		return a.engine.Run(ctx)
	})

	return group.Wait()
}

// Engine exposes the engine for tests and embedding.
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

func (a *App) HTTP() *adminhttp.Server {
	if a == nil {
		return nil
	}
	return a.http
}
