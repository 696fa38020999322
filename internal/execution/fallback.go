package execution

import (
	"errors"
	"strings"

	"perpdesk/internal/gateway/exchange"
	"perpdesk/internal/pkg/symbol"
)

// FallbackPolicy optionally retries a rejected entry on one named symbol.
// The zero value is disabled.
type FallbackPolicy struct {
	Symbol string
}

func NewFallbackPolicy(sym string) FallbackPolicy {
	return FallbackPolicy{Symbol: symbol.Canonical(sym)}
}

func (f FallbackPolicy) Enabled() bool {
	return strings.TrimSpace(f.Symbol) != ""
}

// Target returns the retry symbol when the policy applies to err: only
// exchange rejections, never for the fallback symbol itself, never onto a
// symbol already held.
func (f FallbackPolicy) Target(req Request, err error) (string, bool) {
	if !f.Enabled() || !errors.Is(err, exchange.ErrRejected) {
		return "", false
	}
	if req.Symbol == f.Symbol {
		return "", false
	}
	for _, held := range req.Held {
		if held == f.Symbol {
			return "", false
		}
	}
	return f.Symbol, true
}
