package universe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"perpdesk/internal/config"

	"github.com/tidwall/gjson"
)

// HTTP pulls the list from a JSON endpoint. Accepted bodies: ["BTC", ...],
// {"symbols": [...]}, {"data": [{"symbol": ...}, ...]}.
type HTTP struct {
	URL    string
	Client *http.Client
}

func NewHTTP(url string) *HTTP {
	return &HTTP{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (p *HTTP) Name() string { return config.UniverseHTTP }

func (p *HTTP) List(ctx context.Context) ([]string, error) {
	if p.URL == "" {
		return nil, errors.New("universe: symbol API URL not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching symbols: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetching symbols: HTTP status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return parseSymbolsJSON(body)
}

func parseSymbolsJSON(body []byte) ([]string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("universe: response is not valid JSON: %w", err)
	}
	if err := validateList(doc); err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(body)
	var arr gjson.Result
	switch {
	case root.IsArray():
		arr = root
	case root.Get("symbols").IsArray():
		arr = root.Get("symbols")
	case root.Get("data").IsArray():
		arr = root.Get("data")
	default:
		return nil, errors.New("universe: no symbol array in response")
	}
	var out []string
	arr.ForEach(func(_, v gjson.Result) bool {
		switch {
		case v.Type == gjson.String:
			out = append(out, v.String())
		case v.IsObject() && v.Get("symbol").Exists():
			out = append(out, v.Get("symbol").String())
		}
		return true
	})
	return Normalize(out)
}
