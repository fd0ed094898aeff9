// Package feed fetches a wallet's recent trades from the public market-data
// API. A failed fetch is reported once and never retried here; the
// ingestion schedule is the retry.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/theguild/guild-engine/internal/metrics"
)

const (
	// DefaultBaseURL is the public data API.
	DefaultBaseURL = "https://data-api.polymarket.com"

	defaultTimeout    = 10 * time.Second
	defaultRatePerSec = 5
	maxErrorBody      = 512
)

// ErrUpstreamUnavailable wraps every transport, status or decode failure.
var ErrUpstreamUnavailable = errors.New("feed: upstream unavailable")

// Trade sides as reported by the feed.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// RawTrade is one trade as reported by the feed.
type RawTrade struct {
	ProxyWallet     string          `json:"proxy_wallet"`
	Side            string          `json:"side"`
	Asset           string          `json:"asset"`
	ConditionID     string          `json:"condition_id"`
	Title           string          `json:"title"`
	Slug            string          `json:"slug"`
	Outcome         string          `json:"outcome"`
	OutcomeIndex    int             `json:"outcome_index"`
	Size            decimal.Decimal `json:"size"`
	Price           decimal.Decimal `json:"price"`
	Timestamp       time.Time       `json:"timestamp"`
	TransactionHash string          `json:"transaction_hash"`

	// Malformed marks a trade whose size or price could not be parsed.
	// Size and Price are zero in that case.
	Malformed bool `json:"malformed,omitempty"`
}

// Value is the notional of the trade, size × price.
func (t RawTrade) Value() decimal.Decimal {
	return t.Size.Mul(t.Price)
}

type rawDataTrade struct {
	ProxyWallet     string          `json:"proxyWallet"`
	Side            string          `json:"side"`
	Asset           string          `json:"asset"`
	ConditionID     string          `json:"conditionId"`
	Size            json.RawMessage `json:"size"`
	Price           json.RawMessage `json:"price"`
	Timestamp       json.RawMessage `json:"timestamp"`
	Title           string          `json:"title"`
	Slug            string          `json:"slug"`
	Outcome         string          `json:"outcome"`
	OutcomeIndex    int             `json:"outcomeIndex"`
	TransactionHash string          `json:"transactionHash"`
}

// Options tunes the client. Zero values pick the defaults.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	HTTPClient *http.Client
}

// Client is the HTTP client for the trades endpoint, paced by a rate limiter.
type Client struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = defaultRatePerSec
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		http:    hc,
		base:    opts.BaseURL,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
	}
}

// FetchTrades returns up to limit of the wallet's most recent trades, in
// feed order. Any failure yields a nil slice and an error wrapping
// ErrUpstreamUnavailable. A trade with an unparseable size or price is
// returned with Malformed set rather than failing the page.
func (c *Client) FetchTrades(ctx context.Context, wallet string, limit int) ([]RawTrade, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrUpstreamUnavailable, err)
	}

	q := url.Values{}
	q.Set("user", wallet)
	q.Set("limit", strconv.Itoa(limit))
	endpoint := c.base + "/trades?" + q.Encode()

	start := time.Now()
	raw, err := c.get(ctx, endpoint)
	metrics.FeedLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FeedRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.FeedRequests.WithLabelValues("ok").Inc()

	trades := make([]RawTrade, 0, len(raw))
	for _, rt := range raw {
		size, sizeErr := parseNumber(rt.Size)
		price, priceErr := parseNumber(rt.Price)
		malformed := sizeErr != nil || priceErr != nil
		if malformed {
			size, price = decimal.Zero, decimal.Zero
		}
		trades = append(trades, RawTrade{
			ProxyWallet:     rt.ProxyWallet,
			Side:            rt.Side,
			Asset:           rt.Asset,
			ConditionID:     rt.ConditionID,
			Title:           rt.Title,
			Slug:            rt.Slug,
			Outcome:         rt.Outcome,
			OutcomeIndex:    rt.OutcomeIndex,
			Size:            size,
			Price:           price,
			Timestamp:       parseTradeTimestamp(rt.Timestamp),
			TransactionHash: rt.TransactionHash,
			Malformed:       malformed,
		})
	}
	return trades, nil
}

// parseNumber reads a JSON number or a numeric string.
func parseNumber(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return decimal.Zero, errors.New("empty number")
	}
	return decimal.NewFromString(s)
}

func (c *Client) get(ctx context.Context, endpoint string) ([]rawDataTrade, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstreamUnavailable, resp.StatusCode, string(body))
	}

	var out []rawDataTrade
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUpstreamUnavailable, err)
	}
	return out, nil
}

// parseTradeTimestamp accepts unix seconds, unix milliseconds, fractional
// seconds or an ISO 8601 string, quoted or not.
func parseTradeTimestamp(raw json.RawMessage) time.Time {
	s := strings.Trim(string(raw), `"`)
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		if sec > 1e12 {
			return time.Unix(sec/1000, (sec%1000)*int64(time.Millisecond)).UTC()
		}
		return time.Unix(sec, 0).UTC()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
