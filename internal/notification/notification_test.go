package notification

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eldorado/internal/model"
)

type failing struct{}

func (failing) Send(context.Context, Alert) error { return errors.New("down") }

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))
	m := model.MarketDetail{ID: uuid.New(), Exchange: model.ExchangeGDAX, Name: "BTC-USD"}

	require.NoError(t, n.Send(context.Background(), ForMarket(m, AlertCritical, "mita stopped", "retries exhausted")))
	out := buf.String()
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, `"market":"BTC-USD"`)
	assert.Contains(t, out, "retries exhausted")
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.now = func() time.Time { return time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, n.Send(context.Background(), Alert{Level: AlertWarning, Title: "manual review", Message: "BTC-PERP t15"}))

	assert.Equal(t, "WARNING", got["level"])
	assert.Equal(t, "manual review", got["title"])
	assert.Equal(t, "2021-06-01T00:00:00Z", got["ts"])
}

func TestWebhookNotifier_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Title: "x"})
	assert.ErrorContains(t, err, "502")
}

func TestTelegramNotifier(t *testing.T) {
	var path, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		text = body["text"]
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL
	require.NoError(t, n.Send(context.Background(), Alert{Level: AlertInfo, Title: "ok", Message: "v1.0", Exchange: "ftx", Market: "BTC-PERP"}))

	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.True(t, strings.HasPrefix(text, `*\[INFO\] ok*`), text)
	assert.Contains(t, text, `BTC\-PERP`)
	assert.Contains(t, text, `v1\.0`)
}

func TestMulti_JoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	m := Multi{NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil))), failing{}}
	err := m.Send(context.Background(), Alert{Level: AlertInfo, Title: "hello"})
	assert.ErrorContains(t, err, "down")
	assert.Contains(t, buf.String(), "hello", "earlier notifiers still run")
}
