package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

type StartupSummary struct {
	Env      string
	Exchange string
	Capital  CapitalSummary
	Dispatch DispatchSummary
	Universe UniverseSummary
	HTTPAddr string
	Journal  bool
}

type CapitalSummary struct {
	Total          float64
	PerPosition    float64
	MaxPositions   int
	MinProfit      float64
	Leverage       int
	MaxDrawdown    float64
	MinConfidence  float64
	MaxConsecutive int
}

type DispatchSummary struct {
	Mode     string
	Primary  string
	Fallback string
	Initial  time.Duration
	Min      time.Duration
	Max      time.Duration
}

type UniverseSummary struct {
	Source     string
	Symbols    []string
	MaxAssets  int
	Categories []string
}

func (s *StartupSummary) Print() {
	s.Fprint(os.Stdout)
}

func (s *StartupSummary) Fprint(w io.Writer) {
	title := "STARTUP SUMMARY"
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintf(w, "  env: %s   exchange: %s   admin http: %s   journal: %v\n", s.Env, s.Exchange, s.HTTPAddr, s.Journal)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[CAPITAL & RISK]")
	c := s.Capital
	fmt.Fprintf(w, "  total: %.2f USDT   per position: %.2f   max positions: %d\n", c.Total, c.PerPosition, c.MaxPositions)
	fmt.Fprintf(w, "  leverage: %dx   min profit: %.2f   min confidence: %.2f\n", c.Leverage, c.MinProfit, c.MinConfidence)
	fmt.Fprintf(w, "  max drawdown: %.0f%%   breaker after: %d losses\n", c.MaxDrawdown*100, c.MaxConsecutive)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[DISPATCH]")
	d := s.Dispatch
	fmt.Fprintf(w, "  mode: %s   primary: %s   fallback: %s\n", d.Mode, orDash(d.Primary), orDash(d.Fallback))
	fmt.Fprintf(w, "  interval: %s (min %s, max %s)\n", d.Initial, d.Min, d.Max)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[UNIVERSE]")
	u := s.Universe
	fmt.Fprintf(w, "  source: %s   max assets: %d\n", u.Source, u.MaxAssets)
	fmt.Fprintf(w, "  symbols: %s\n", formatList(u.Symbols))
	fmt.Fprintf(w, "  category overrides: %s\n", formatList(u.Categories))
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
