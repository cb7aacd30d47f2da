package httpserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/coachpo/pricefeed/internal/app/broadcast"
	"github.com/coachpo/pricefeed/internal/app/pricegen"
	"github.com/coachpo/pricefeed/internal/app/query"
	"github.com/coachpo/pricefeed/internal/infra/history"
)

type fixedRand float64

func (r fixedRand) Float64() float64 { return float64(r) }

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)

type fixture struct {
	query       *query.Service
	broadcaster *broadcast.Broadcaster
	store       *history.MemoryStore
}

func newFixture(t *testing.T, tickers int) fixture {
	t.Helper()
	store, err := history.NewMemoryStore(100)
	require.NoError(t, err)
	gen := pricegen.NewGenerator(pricegen.Options{
		TickerCount:     tickers,
		InitialPriceMin: 50,
		InitialPriceMax: 200,
		Rand:            fixedRand(0.5),
		Clock:           func() time.Time { return fixedNow },
	}, pricegen.NewRegistry(), store, nil, zaptest.NewLogger(t))
	require.NoError(t, gen.Initialize(context.Background()))
	return fixture{
		query:       query.NewService(gen.Registry(), store),
		broadcaster: broadcast.New(broadcast.Config{}, zaptest.NewLogger(t)),
		store:       store,
	}
}

func (f fixture) handler(t *testing.T, opts Options) http.Handler {
	t.Helper()
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api/v1"
	}
	opts.Logger = zaptest.NewLogger(t)
	return NewHandler(f.query, f.broadcaster, nil, opts)
}

func do(t *testing.T, h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, body io.Reader) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	h := newFixture(t, 1).handler(t, Options{})
	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestListTickers(t *testing.T) {
	h := newFixture(t, 2).handler(t, Options{})
	rec := do(t, h, http.MethodGet, "/api/v1/tickers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[
		{"id":"ITEM_00","name":"Item 00","current_price":125,"initial_price":125,
		 "created_at":"2024-05-06T07:08:09.123456Z","updated_at":"2024-05-06T07:08:09.123456Z"},
		{"id":"ITEM_01","name":"Item 01","current_price":125,"initial_price":125,
		 "created_at":"2024-05-06T07:08:09.123456Z","updated_at":"2024-05-06T07:08:09.123456Z"}
	]`, rec.Body.String())
}

func TestHistory(t *testing.T) {
	f := newFixture(t, 1)
	h := f.handler(t, Options{})

	rec := do(t, h, http.MethodGet, "/api/v1/tickers/ITEM_00/history?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[struct {
		Ticker  map[string]any   `json:"ticker"`
		History []map[string]any `json:"history"`
	}](t, rec.Body)
	assert.Equal(t, "ITEM_00", view.Ticker["id"])
	require.Len(t, view.History, 1)
	assert.Equal(t, 125.0, view.History[0]["value"])
	assert.Equal(t, "2024-05-06T07:08:09.123456Z", view.History[0]["timestamp"])
}

func TestHistoryWithoutLimitReturnsEverything(t *testing.T) {
	f := newFixture(t, 1)
	h := f.handler(t, Options{})

	rec := do(t, h, http.MethodGet, "/api/v1/tickers/ITEM_00/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"history":[{`)
}

func TestHistoryUnknownTicker(t *testing.T) {
	h := newFixture(t, 1).handler(t, Options{})
	rec := do(t, h, http.MethodGet, "/api/v1/tickers/ITEM_99/history", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"Ticker ITEM_99 not found"}`, rec.Body.String())
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	h := newFixture(t, 1).handler(t, Options{})
	for _, limit := range []string{"0", "-3", "1001", "ten"} {
		rec := do(t, h, http.MethodGet, "/api/v1/tickers/ITEM_00/history?limit="+limit, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
		body := decode[map[string]string](t, rec.Body)
		assert.NotEmpty(t, body["detail"], "limit=%s", limit)
	}
}

func TestParseLimit(t *testing.T) {
	cases := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"1", 1, false},
		{" 1000 ", 1000, false},
		{"0", 0, true},
		{"1001", 0, true},
		{"1.5", 0, true},
	}
	for _, tc := range cases {
		got, err := parseLimit(tc.raw)
		if tc.wantErr {
			assert.Error(t, err, "raw=%q", tc.raw)
			continue
		}
		require.NoError(t, err, "raw=%q", tc.raw)
		assert.Equal(t, tc.want, got)
	}
}

type stubConn string

func (c stubConn) ID() string { return string(c) }

func (c stubConn) Send(context.Context, []byte) error { return nil }

func TestStats(t *testing.T) {
	f := newFixture(t, 2)
	f.broadcaster.Register(stubConn("a"), "ITEM_00")
	f.broadcaster.Register(stubConn("b"), "ITEM_00")
	f.broadcaster.Register(stubConn("c"), "ITEM_01")
	h := f.handler(t, Options{})

	rec := do(t, h, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connections":3,"by_ticker":{"ITEM_00":2,"ITEM_01":1}}`, rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	h := newFixture(t, 1).handler(t, Options{RequestsPerSecond: 0.001, Burst: 1})

	first := do(t, h, http.MethodGet, "/api/v1/tickers", nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := do(t, h, http.MethodGet, "/api/v1/tickers", nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.JSONEq(t, `{"detail":"rate limit exceeded"}`, second.Body.String())

	health := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestCORS(t *testing.T) {
	h := newFixture(t, 1).handler(t, Options{CORSOrigins: []string{"http://localhost:3000"}})

	allowed := do(t, h, http.MethodGet, "/api/v1/tickers", http.Header{"Origin": {"http://localhost:3000"}})
	assert.Equal(t, "http://localhost:3000", allowed.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", allowed.Header().Get("Access-Control-Allow-Credentials"))

	denied := do(t, h, http.MethodGet, "/api/v1/tickers", http.Header{"Origin": {"http://evil.example"}})
	assert.Empty(t, denied.Header().Get("Access-Control-Allow-Origin"))

	preflight := do(t, h, http.MethodOptions, "/api/v1/tickers", http.Header{
		"Origin":                        {"http://localhost:3000"},
		"Access-Control-Request-Method": {"GET"},
	})
	assert.Equal(t, http.StatusNoContent, preflight.Code)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h := newFixture(t, 1).handler(t, Options{})

	rec := do(t, h, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"Not Found"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/v1/tickers", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET", rec.Header().Get("Allow"))
}
