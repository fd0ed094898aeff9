package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tradesJSON = `[
  {
    "proxyWallet": "0x56687bf447db6ffa42ffe2204a05edaa20f55839",
    "side": "BUY",
    "asset": "7192",
    "conditionId": "0xcond",
    "size": 250,
    "price": 0.42,
    "timestamp": 1730800000,
    "title": "2024 Presidential Election winner",
    "slug": "presidential-election-winner-2024",
    "outcome": "Yes",
    "outcomeIndex": 0,
    "transactionHash": "0xaaa"
  },
  {
    "proxyWallet": "0x56687bf447db6ffa42ffe2204a05edaa20f55839",
    "side": "SELL",
    "asset": "7193",
    "conditionId": "0xcond",
    "size": "10",
    "price": "0.5",
    "timestamp": 1730800100000,
    "title": "Super Bowl MVP",
    "slug": "super-bowl-mvp",
    "outcome": "No",
    "outcomeIndex": 1,
    "transactionHash": "0xbbb"
  }
]`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL, RatePerSec: 1000})
}

func TestFetchTrades_ParsesFeed(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trades", r.URL.Path)
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(tradesJSON))
	})

	trades, err := c.FetchTrades(context.Background(), "0xwallet", 30)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Contains(t, gotQuery, "user=0xwallet")
	assert.Contains(t, gotQuery, "limit=30")

	first := trades[0]
	assert.Equal(t, SideBuy, first.Side)
	assert.Equal(t, "0xaaa", first.TransactionHash)
	assert.Equal(t, "presidential-election-winner-2024", first.Slug)
	assert.Equal(t, 0, first.OutcomeIndex)
	assert.True(t, first.Size.Equal(decimal.NewFromInt(250)))
	assert.True(t, first.Price.Equal(decimal.RequireFromString("0.42")))
	assert.True(t, first.Value().Equal(decimal.NewFromInt(105)))
	assert.Equal(t, time.Unix(1730800000, 0).UTC(), first.Timestamp)

	second := trades[1]
	assert.Equal(t, SideSell, second.Side)
	assert.Equal(t, 1, second.OutcomeIndex)
	assert.True(t, second.Size.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, time.Unix(1730800100, 0).UTC(), second.Timestamp)
}

func TestFetchTrades_MalformedNumbersFlagTradeOnly(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
  {"side": "BUY", "size": "", "price": 0.4, "outcomeIndex": 0, "transactionHash": "0x01"},
  {"side": "BUY", "size": 300, "price": "n/a", "outcomeIndex": 0, "transactionHash": "0x02"},
  {"side": "BUY", "size": null, "price": 0.4, "outcomeIndex": 0, "transactionHash": "0x03"},
  {"side": "BUY", "size": "300", "price": 0.5, "outcomeIndex": 0, "transactionHash": "0x04"}
]`))
	})

	trades, err := c.FetchTrades(context.Background(), "0xwallet", 30)
	require.NoError(t, err)
	require.Len(t, trades, 4)
	for _, tr := range trades[:3] {
		assert.True(t, tr.Malformed, tr.TransactionHash)
		assert.True(t, tr.Price.IsZero())
		assert.True(t, tr.Size.IsZero())
	}
	assert.False(t, trades[3].Malformed)
	assert.True(t, trades[3].Value().Equal(decimal.NewFromInt(150)))
}

func TestFetchTrades_NonSuccessStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	trades, err := c.FetchTrades(context.Background(), "0xwallet", 30)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Nil(t, trades)
}

func TestFetchTrades_NoRetry(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.FetchTrades(context.Background(), "0xwallet", 30)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestFetchTrades_MalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "not a list"}`))
	})

	_, err := c.FetchTrades(context.Background(), "0xwallet", 30)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestFetchTrades_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Options{BaseURL: srv.URL, Timeout: 20 * time.Millisecond, RatePerSec: 1000})

	_, err := c.FetchTrades(context.Background(), "0xwallet", 30)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestParseTradeTimestamp(t *testing.T) {
	want := time.Date(2024, 11, 5, 9, 46, 40, 0, time.UTC)
	assert.Equal(t, want, parseTradeTimestamp([]byte(`1730800000`)))
	assert.Equal(t, want, parseTradeTimestamp([]byte(`1730800000000`)))
	assert.Equal(t, want, parseTradeTimestamp([]byte(`"2024-11-05T09:46:40Z"`)))
	assert.True(t, parseTradeTimestamp([]byte(`"garbage"`)).IsZero())
}
