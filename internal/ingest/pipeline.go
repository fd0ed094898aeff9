// Package ingest turns masters' raw feed trades into durable bet signals.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/theguild/guild-engine/internal/classify"
	"github.com/theguild/guild-engine/internal/feed"
	"github.com/theguild/guild-engine/internal/metrics"
	"github.com/theguild/guild-engine/internal/model"
	"github.com/theguild/guild-engine/internal/notify"
	"github.com/theguild/guild-engine/internal/store"
)

// Defaults for Config zero values.
const (
	DefaultTradeLimit    = 30
	DefaultMarketBaseURL = "https://polymarket.com"
)

// DefaultMinSignalValue is the smallest size × price that becomes a signal.
var DefaultMinSignalValue = decimal.NewFromInt(100)

// TradeSource fetches a wallet's recent trades.
type TradeSource interface {
	FetchTrades(ctx context.Context, wallet string, limit int) ([]feed.RawTrade, error)
}

// Archiver keeps a copy of each fetched feed page.
type Archiver interface {
	ArchiveTrades(ctx context.Context, masterID string, fetchedAt time.Time, trades []feed.RawTrade) error
}

// Config holds the pipeline thresholds.
type Config struct {
	TradeLimit int
	// MinSignalValue is the smallest size × price admitted. Unset uses
	// DefaultMinSignalValue; zero admits every buy.
	MinSignalValue decimal.NullDecimal
	MarketBaseURL  string
}

// Pipeline ingests every eligible master sequentially. Failures are
// isolated per master.
type Pipeline struct {
	store    store.Store
	source   TradeSource
	cfg      Config
	notifier notify.Notifier
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNotifier publishes a signal_ingested event per inserted bet.
func WithNotifier(n notify.Notifier) Option { return func(p *Pipeline) { p.notifier = n } }

// WithArchiver archives each fetched feed page.
func WithArchiver(a Archiver) Option { return func(p *Pipeline) { p.archiver = a } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New creates a Pipeline.
func New(st store.Store, src TradeSource, cfg Config, opts ...Option) *Pipeline {
	if cfg.TradeLimit <= 0 {
		cfg.TradeLimit = DefaultTradeLimit
	}
	if !cfg.MinSignalValue.Valid {
		cfg.MinSignalValue = decimal.NewNullDecimal(DefaultMinSignalValue)
	}
	if cfg.MarketBaseURL == "" {
		cfg.MarketBaseURL = DefaultMarketBaseURL
	}
	p := &Pipeline{
		store:    st,
		source:   src,
		cfg:      cfg,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ingests every master with a wallet. Report.Inserted is the number of
// new signals. Only a failure to list masters fails the run.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	masters, err := p.store.ListMasters(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: list masters: %w", err)
	}

	report := &Report{StartedAt: p.now()}
	for _, m := range masters {
		if ctx.Err() != nil {
			break
		}
		if m.Wallet == "" {
			continue
		}
		report.add(p.ingestMaster(ctx, m))
	}
	report.Duration = time.Since(start)

	metrics.IngestRunDuration.Observe(report.Duration.Seconds())
	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	metrics.IngestLastSuccess.Set(float64(time.Now().Unix()))
	return report, nil
}

func (p *Pipeline) ingestMaster(ctx context.Context, m model.Master) MasterReport {
	mr := MasterReport{MasterID: m.ID, Username: m.Username, Skipped: map[SkipReason]int{}}
	log := p.logger.With(slog.String("master_id", m.ID), slog.String("username", m.Username))

	if !model.ValidWallet(m.Wallet) {
		mr.Err = model.ErrInvalidWallet.Error()
		log.Warn("ingest: skipping master with invalid wallet", slog.String("wallet", m.Wallet))
		return mr
	}

	trades, err := p.source.FetchTrades(ctx, m.Wallet, p.cfg.TradeLimit)
	if err != nil {
		mr.Err = err.Error()
		log.Warn("ingest: fetch trades failed", slog.String("error", err.Error()))
		return mr
	}
	mr.Fetched = len(trades)

	if p.archiver != nil && len(trades) > 0 {
		if err := p.archiver.ArchiveTrades(ctx, m.ID, p.now(), trades); err != nil {
			log.Warn("ingest: archive failed", slog.String("error", err.Error()))
		}
	}

	known, err := p.store.ExternalIDsForMaster(ctx, m.ID)
	if err != nil {
		mr.Err = err.Error()
		log.Error("ingest: load dedup keys failed", slog.String("error", err.Error()))
		return mr
	}

	for _, t := range trades {
		metrics.TradesSeen.Inc()
		if reason, skip := p.screen(t, known); skip {
			mr.Skipped[reason]++
			metrics.SignalsSkipped.WithLabelValues(string(reason)).Inc()
			continue
		}

		bet := p.buildBet(m, t)
		if err := p.store.InsertBet(ctx, bet); err != nil {
			reason := SkipInsertFailed
			if errors.Is(err, store.ErrDuplicate) {
				// Raced in by a concurrent run.
				reason = SkipDuplicate
				known[t.TransactionHash] = struct{}{}
			} else {
				log.Error("ingest: insert bet failed",
					slog.String("tx_hash", t.TransactionHash),
					slog.String("error", err.Error()),
				)
			}
			mr.Skipped[reason]++
			metrics.SignalsSkipped.WithLabelValues(string(reason)).Inc()
			continue
		}

		known[t.TransactionHash] = struct{}{}
		mr.Inserted++
		metrics.SignalsInserted.WithLabelValues(bet.Category).Inc()
		p.notifier.Notify(ctx, notify.Event{
			Type:     notify.EventSignalIngested,
			MasterID: m.ID,
			BetID:    bet.ID,
			Market:   bet.MarketQuestion,
			Category: bet.Category,
			Side:     bet.Side,
			Odds:     bet.EntryOdds.String(),
			Amount:   bet.EntryAmount.String(),
			At:       bet.CreatedAt,
		})
	}

	if mr.Inserted > 0 {
		log.Info("ingest: signals inserted",
			slog.Int("inserted", mr.Inserted),
			slog.Int("fetched", mr.Fetched),
		)
	}
	return mr
}

// screen applies the filters in order: dedup, side, price sanity, value.
func (p *Pipeline) screen(t feed.RawTrade, known map[string]struct{}) (SkipReason, bool) {
	if t.TransactionHash == "" {
		return SkipInvalidTrade, true
	}
	if _, ok := known[t.TransactionHash]; ok {
		return SkipDuplicate, true
	}
	if t.Side != feed.SideBuy {
		return SkipNotBuy, true
	}
	if t.Malformed || !t.Price.IsPositive() || t.Price.GreaterThan(decimal.NewFromInt(1)) {
		return SkipInvalidTrade, true
	}
	if t.Value().LessThan(p.cfg.MinSignalValue.Decimal) {
		return SkipBelowThreshold, true
	}
	return "", false
}

func (p *Pipeline) buildBet(m model.Master, t feed.RawTrade) *model.Bet {
	entryDate := t.Timestamp
	if entryDate.IsZero() {
		entryDate = p.now()
	}
	var url string
	if t.Slug != "" {
		url = strings.TrimRight(p.cfg.MarketBaseURL, "/") + "/event/" + t.Slug
	}
	return &model.Bet{
		ID:             uuid.New().String(),
		MasterID:       m.ID,
		MarketQuestion: t.Title,
		MarketURL:      url,
		ExternalID:     t.TransactionHash,
		Category:       string(classify.Classify(t.Title)),
		Side:           DeriveSide(t.Side, t.OutcomeIndex),
		EntryOdds:      t.Price,
		EntryAmount:    t.Value(),
		EntryDate:      entryDate,
		Status:         model.StatusOpen,
		CreatedAt:      p.now(),
	}
}

// DeriveSide maps a raw trade onto YES/NO: buying outcome 0 (or selling
// outcome 1) is YES. Ingestion only admits buys, so in practice outcome 0
// is YES and anything else is NO.
func DeriveSide(rawSide string, outcomeIndex int) string {
	if (rawSide == feed.SideBuy) == (outcomeIndex == 0) {
		return model.SideYes
	}
	return model.SideNo
}
