// Package universe supplies the list of contracts the engine may trade.
package universe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"perpdesk/internal/config"
	"perpdesk/internal/pkg/symbol"
)

// Provider lists candidate symbols in exchange form (BTCUSDT).
type Provider interface {
	List(ctx context.Context) ([]string, error)
	Name() string
}

var ErrEmpty = errors.New("universe: symbol list is empty")

// Normalize upper-cases, de-duplicates and completes bare bases with USDT.
func Normalize(symbols []string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, ErrEmpty
	}
	raw := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if !symbol.IsValid(s) {
			s += "USDT"
		}
		raw = append(raw, s)
	}
	out := symbol.CanonicalList(raw)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w after normalization", ErrEmpty)
	}
	return out, nil
}

// Static serves a fixed list.
type Static struct{ symbols []string }

func NewStatic(symbols []string) *Static {
	return &Static{symbols: append([]string(nil), symbols...)}
}

func (p *Static) Name() string { return config.UniverseStatic }

func (p *Static) List(context.Context) ([]string, error) {
	return Normalize(p.symbols)
}

// FromConfig builds the provider named by cfg.Source.
func FromConfig(cfg config.UniverseConfig) (Provider, error) {
	switch cfg.Source {
	case "", config.UniverseStatic:
		return NewStatic(cfg.Symbols), nil
	case config.UniverseFile:
		return NewFile(cfg.Path)
	case config.UniverseHTTP:
		return NewHTTP(cfg.URL), nil
	default:
		return nil, fmt.Errorf("universe: unknown source %q", cfg.Source)
	}
}
