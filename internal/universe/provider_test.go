package universe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"perpdesk/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	got, err := Normalize([]string{"btc", " ETHUSDT ", "eth", "sol/usdt", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, got)

	_, err = Normalize(nil)
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = Normalize([]string{" ", ""})
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestFromConfig(t *testing.T) {
	p, err := FromConfig(config.UniverseConfig{Source: "static", Symbols: []string{"btc"}})
	require.NoError(t, err)
	assert.Equal(t, "static", p.Name())
	got, err := p.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, got)

	p, err = FromConfig(config.UniverseConfig{Source: "http", URL: "http://x"})
	require.NoError(t, err)
	assert.Equal(t, "http", p.Name())

	_, err = FromConfig(config.UniverseConfig{Source: "ftp"})
	assert.Error(t, err)
	_, err = FromConfig(config.UniverseConfig{Source: "file"})
	assert.Error(t, err)
}

func TestFileAcceptsBothLayouts(t *testing.T) {
	dir := t.TempDir()
	seq := filepath.Join(dir, "seq.yaml")
	require.NoError(t, os.WriteFile(seq, []byte("- btc\n- eth\n"), 0o644))
	doc := filepath.Join(dir, "doc.yaml")
	require.NoError(t, os.WriteFile(doc, []byte("symbols: [sol, doge]\n"), 0o644))

	p, err := NewFile(seq)
	require.NoError(t, err)
	got, err := p.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)

	p, err = NewFile(doc)
	require.NoError(t, err)
	got, err = p.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"SOLUSDT", "DOGEUSDT"}, got)

	_, err = NewFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestFileWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "universe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- btc\n"), 0o644))
	p, err := NewFile(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("- btc\n- xrp\n"), 0o644))
	require.Eventually(t, func() bool {
		got, err := p.List(context.Background())
		return err == nil && len(got) == 2
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	time.Sleep(100 * time.Millisecond)
	got, err := p.List(context.Background())
	require.NoError(t, err, "a bad edit keeps the previous list")
	assert.Equal(t, []string{"BTCUSDT", "XRPUSDT"}, got)
}

func TestHTTPFormats(t *testing.T) {
	bodies := map[string]string{
		"array":   `["btc","ETHUSDT"]`,
		"symbols": `{"symbols":["btc","eth"]}`,
		"data":    `{"data":[{"symbol":"BTCUSDT"},{"symbol":"eth"}]}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()
			got, err := NewHTTP(srv.URL).List(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)
		})
	}
}

func TestHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			_, _ = w.Write([]byte(`{"nope":1}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL + "/down").List(context.Background())
	assert.ErrorContains(t, err, "502")
	_, err = NewHTTP(srv.URL + "/bad").List(context.Background())
	assert.Error(t, err)
	_, err = NewHTTP("").List(context.Background())
	assert.Error(t, err)
}

func TestListLayoutIsValidated(t *testing.T) {
	_, err := parseSymbolsJSON([]byte(`{"symbols":[1,2]}`))
	assert.ErrorContains(t, err, "unexpected list layout")
	_, err = parseSymbolsJSON([]byte(`{"data":[{"name":"BTCUSDT"}]}`))
	assert.Error(t, err)

	_, err = parseYAML([]byte("symbols: 5\n"))
	assert.Error(t, err)
	got, err := parseYAML([]byte("symbols: [btc]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"btc"}, got)
}
