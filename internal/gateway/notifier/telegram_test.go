package notifier

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "42", body["chat_id"])
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", "42")
	tg.BaseURL = srv.URL
	tg.sleep = func(time.Duration) {}

	require.NoError(t, tg.SendText("emergency stop"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTelegramRequiresCredentials(t *testing.T) {
	assert.Error(t, NewTelegram("", "").SendText("x"))
}

func TestStructuredMessageRender(t *testing.T) {
	msg := StructuredMessage{
		Icon:  "!",
		Title: "Invariant violation",
		Sections: []MessageSection{
			{Title: "Ledger", Lines: []string{"allocated=13", "", "total=12"}},
		},
		Footer:    "allocations cleared",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	out := msg.RenderMarkdown()
	assert.Contains(t, out, "! Invariant violation")
	assert.Contains(t, out, "- allocated=13")
	assert.NotContains(t, out, "- \n")
	assert.Contains(t, out, "time: 2026-01-02 03:04:05 UTC")
}
