package binance

import (
	"strings"
	"time"
)

const (
	defaultRESTBaseURL = "https://fapi.binance.com"
	testnetRESTBaseURL = "https://testnet.binancefuture.com"
)

type Config struct {
	APIKey      string
	APISecret   string
	Testnet     bool
	RESTBaseURL string
	HTTPTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.Testnet {
		out.RESTBaseURL = testnetRESTBaseURL
	}
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = defaultRESTBaseURL
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	return out
}
