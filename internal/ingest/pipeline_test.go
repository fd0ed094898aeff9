package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theguild/guild-engine/internal/feed"
	"github.com/theguild/guild-engine/internal/model"
	"github.com/theguild/guild-engine/internal/notify"
	"github.com/theguild/guild-engine/internal/store"
)

const (
	walletA = "0x1111111111111111111111111111111111111111"
	walletB = "0x2222222222222222222222222222222222222222"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeFeed struct {
	mu     sync.Mutex
	trades map[string][]feed.RawTrade
	errs   map[string]error
	calls  []string
}

func (f *fakeFeed) FetchTrades(_ context.Context, wallet string, _ int) ([]feed.RawTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, wallet)
	if err := f.errs[wallet]; err != nil {
		return nil, err
	}
	return f.trades[wallet], nil
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

type archiveSpy struct{ pages int }

func (a *archiveSpy) ArchiveTrades(context.Context, string, time.Time, []feed.RawTrade) error {
	a.pages++
	return nil
}

func trade(hash, side string, outcome int, size, price float64, title string) feed.RawTrade {
	return feed.RawTrade{
		Side:            side,
		Title:           title,
		Slug:            "some-market",
		OutcomeIndex:    outcome,
		Size:            d(size),
		Price:           d(price),
		Timestamp:       time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		TransactionHash: hash,
	}
}

func seedMaster(t *testing.T, st store.Store, id, username, wallet string) {
	t.Helper()
	require.NoError(t, st.CreateMaster(context.Background(), &model.Master{
		ID: id, Username: username, DisplayName: username, Wallet: wallet, CreatedAt: time.Now().UTC(),
	}))
}

func TestRun_InsertsQualifyingTradesOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedMaster(t, st, "m1", "alice", walletA)

	src := &fakeFeed{trades: map[string][]feed.RawTrade{
		walletA: {
			trade("0xaa", feed.SideBuy, 0, 500, 0.40, "Will the Lakers win the NBA title?"),
			trade("0xbb", feed.SideBuy, 0, 100, 0.50, "Will it rain tomorrow"),
			trade("0xcc", feed.SideSell, 0, 1000, 0.90, "Will BTC hit 100k?"),
		},
	}}
	rec := &recorder{}
	arch := &archiveSpy{}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p := New(st, src, Config{}, WithNotifier(rec), WithArchiver(arch), WithClock(func() time.Time { return now }))

	report, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, now, report.StartedAt)
	assert.Equal(t, 1, report.Inserted)
	require.Len(t, report.Masters, 1)
	assert.Equal(t, 3, report.Masters[0].Fetched)
	assert.Equal(t, 1, report.Masters[0].Skipped[SkipBelowThreshold])
	assert.Equal(t, 1, report.Masters[0].Skipped[SkipNotBuy])
	assert.Equal(t, 1, arch.pages)

	bets, err := st.ListBetsByMaster(ctx, "m1", "", 0)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	b := bets[0]
	assert.Equal(t, "0xaa", b.ExternalID)
	assert.Equal(t, "sports", b.Category)
	assert.Equal(t, model.SideYes, b.Side)
	assert.True(t, b.EntryOdds.Equal(d(0.40)))
	assert.True(t, b.EntryAmount.Equal(d(200)))
	assert.Equal(t, model.StatusOpen, b.Status)
	assert.Equal(t, "https://polymarket.com/event/some-market", b.MarketURL)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), b.EntryDate)
	assert.Equal(t, now, b.CreatedAt)

	require.Len(t, rec.events, 1)
	assert.Equal(t, notify.EventSignalIngested, rec.events[0].Type)
	assert.Equal(t, b.ID, rec.events[0].BetID)

	// A rerun over the same feed page is a no-op.
	report, err = p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Inserted)
	assert.Equal(t, 1, report.Masters[0].Skipped[SkipDuplicate])
	bets, err = st.ListBetsByMaster(ctx, "m1", "", 0)
	require.NoError(t, err)
	assert.Len(t, bets, 1)
}

func TestRun_DuplicateHashWithinOnePage(t *testing.T) {
	st := store.NewMemoryStore()
	seedMaster(t, st, "m1", "alice", walletA)
	src := &fakeFeed{trades: map[string][]feed.RawTrade{
		walletA: {
			trade("0xaa", feed.SideBuy, 0, 500, 0.40, "Election odds"),
			trade("0xaa", feed.SideBuy, 0, 500, 0.40, "Election odds"),
		},
	}}

	report, err := New(st, src, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 1, report.Masters[0].Skipped[SkipDuplicate])
}

func TestRun_SameHashDifferentMasters(t *testing.T) {
	st := store.NewMemoryStore()
	seedMaster(t, st, "m1", "alice", walletA)
	seedMaster(t, st, "m2", "bob", walletB)
	tr := trade("0xaa", feed.SideBuy, 1, 500, 0.40, "Fed rate cut in March?")
	src := &fakeFeed{trades: map[string][]feed.RawTrade{walletA: {tr}, walletB: {tr}}}

	report, err := New(st, src, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Inserted)
}

func TestRun_IsolatesMasterFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedMaster(t, st, "m1", "alice", walletA)
	seedMaster(t, st, "m2", "bob", walletB)
	seedMaster(t, st, "m3", "carol", "")
	seedMaster(t, st, "m4", "dave", "not-a-wallet")

	src := &fakeFeed{
		trades: map[string][]feed.RawTrade{
			walletB: {trade("0xbb", feed.SideBuy, 0, 300, 0.5, "Oscars best picture")},
		},
		errs: map[string]error{walletA: feed.ErrUpstreamUnavailable},
	}

	report, err := New(st, src, Config{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 2, report.Failed)
	assert.Len(t, report.Masters, 3, "master without a wallet is not eligible")
	assert.ElementsMatch(t, []string{walletA, walletB}, src.calls)

	bets, err := st.ListBetsByMaster(ctx, "m2", "", 0)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, "culture", bets[0].Category)
}

func TestRun_InvalidPriceSkipped(t *testing.T) {
	st := store.NewMemoryStore()
	seedMaster(t, st, "m1", "alice", walletA)
	src := &fakeFeed{trades: map[string][]feed.RawTrade{
		walletA: {
			trade("0xaa", feed.SideBuy, 0, 500, 1.5, "Weird market"),
			trade("", feed.SideBuy, 0, 500, 0.5, "No hash"),
			{Side: feed.SideBuy, TransactionHash: "0xbad", Title: "Unparseable size", Malformed: true},
			trade("0xcc", feed.SideBuy, 0, 500, 0.5, "Senate control"),
		},
	}}

	report, err := New(st, src, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted, "one bad trade does not sink the page")
	assert.Equal(t, 3, report.Masters[0].Skipped[SkipInvalidTrade])
	assert.Empty(t, report.Masters[0].Err)
}

func TestRun_MissingTimestampUsesClock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedMaster(t, st, "m1", "alice", walletA)
	tr := trade("0xaa", feed.SideBuy, 0, 500, 0.5, "Election odds")
	tr.Timestamp = time.Time{}
	src := &fakeFeed{trades: map[string][]feed.RawTrade{walletA: {tr}}}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := New(st, src, Config{}, WithClock(func() time.Time { return now })).Run(ctx)
	require.NoError(t, err)

	bets, err := st.ListBetsByMaster(ctx, "m1", "", 0)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, now, bets[0].EntryDate)
}

func TestRun_CustomThreshold(t *testing.T) {
	st := store.NewMemoryStore()
	seedMaster(t, st, "m1", "alice", walletA)
	src := &fakeFeed{trades: map[string][]feed.RawTrade{
		walletA: {trade("0xaa", feed.SideBuy, 0, 100, 0.5, "Tesla earnings")},
	}}

	report, err := New(st, src, Config{MinSignalValue: decimal.NewNullDecimal(d(25))}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
}

func TestRun_ZeroThresholdAdmitsSmallBuys(t *testing.T) {
	st := store.NewMemoryStore()
	seedMaster(t, st, "m1", "alice", walletA)
	src := &fakeFeed{trades: map[string][]feed.RawTrade{
		walletA: {trade("0xaa", feed.SideBuy, 0, 2, 0.5, "Tesla earnings")},
	}}

	report, err := New(st, src, Config{MinSignalValue: decimal.NewNullDecimal(decimal.Zero)}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
}

func TestRun_CancelledContext(t *testing.T) {
	st := store.NewMemoryStore()
	seedMaster(t, st, "m1", "alice", walletA)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := New(st, &fakeFeed{}, Config{}).Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, report)
	assert.Empty(t, report.Masters)
}

func TestDeriveSide(t *testing.T) {
	assert.Equal(t, model.SideYes, DeriveSide(feed.SideBuy, 0))
	assert.Equal(t, model.SideNo, DeriveSide(feed.SideBuy, 1))
	assert.Equal(t, model.SideNo, DeriveSide(feed.SideSell, 0))
	assert.Equal(t, model.SideYes, DeriveSide(feed.SideSell, 1))
}
