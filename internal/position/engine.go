// Package position implements the copy/resolve lifecycle of virtual
// positions and the portfolio view over them.
//
// Positions move OPEN → WON or OPEN → LOST and never leave a terminal state.
// Each operation runs as one store transaction, so a stake is never debited
// without its position being recorded.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/theguild/guild-engine/internal/ledger"
	"github.com/theguild/guild-engine/internal/metrics"
	"github.com/theguild/guild-engine/internal/model"
	"github.com/theguild/guild-engine/internal/notify"
	"github.com/theguild/guild-engine/internal/store"
)

var (
	ErrInvalidAmount   = errors.New("position: amount must be a positive whole number of cents")
	ErrNotFound        = errors.New("position: not found")
	ErrAlreadyResolved = errors.New("position: already resolved")
)

// Engine copies signals into positions and settles them.
type Engine struct {
	store    store.Store
	ledger   *ledger.Ledger
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine. A nil notifier discards events.
func NewEngine(st store.Store, l *ledger.Ledger, n notify.Notifier, logger *slog.Logger) *Engine {
	if n == nil {
		n = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		ledger:   l,
		notifier: n,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Copy stakes amount on betID for userID. The amount must be positive and
// have at most two decimal places, so a won position's cent-rounded return
// is never below its stake. On any failure the balance and the position set
// are unchanged.
func (e *Engine) Copy(ctx context.Context, userID, betID string, amount decimal.Decimal) (*model.Position, error) {
	start := time.Now()
	defer func() { metrics.PositionLatency.WithLabelValues("copy").Observe(time.Since(start).Seconds()) }()

	if !amount.IsPositive() || !amount.Equal(amount.Truncate(2)) {
		return nil, fmt.Errorf("copy %s: %w", amount, ErrInvalidAmount)
	}

	var pos *model.Position
	err := e.store.InTx(ctx, func(tx store.Store) error {
		bet, err := tx.GetBet(ctx, betID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("bet %s: %w", betID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		l := e.ledger.Bind(tx)
		if _, err := l.EnsureAccount(ctx, userID); err != nil {
			return err
		}
		if err := l.Debit(ctx, userID, amount); err != nil {
			return err
		}

		odds := bet.Odds()
		pos = &model.Position{
			ID:             uuid.New().String(),
			UserID:         userID,
			BetID:          bet.ID,
			MasterID:       bet.MasterID,
			MarketQuestion: bet.MarketQuestion,
			Side:           bet.Side,
			EntryOdds:      odds,
			EntryAmount:    amount,
			CurrentOdds:    decimal.NewNullDecimal(odds),
			Status:         model.StatusOpen,
			Source:         model.SourceCopy,
			CreatedAt:      e.now(),
		}
		if err := tx.InsertPosition(ctx, pos); err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
		return l.Award(ctx, userID, ledger.EventCopySignal)
	})
	if err != nil {
		return nil, err
	}

	metrics.PositionsOpened.WithLabelValues(pos.Side).Inc()
	e.logger.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("user_id", userID),
		slog.String("bet_id", betID),
		slog.String("amount", amount.String()),
	)
	e.notifier.Notify(ctx, notify.Event{
		Type:       notify.EventPositionOpened,
		MasterID:   pos.MasterID,
		BetID:      pos.BetID,
		PositionID: pos.ID,
		UserID:     userID,
		Market:     pos.MarketQuestion,
		Side:       pos.Side,
		Odds:       pos.EntryOdds.String(),
		Amount:     amount.String(),
		Status:     pos.Status,
		At:         pos.CreatedAt,
	})
	return pos, nil
}

// ReturnAmount is the payout of a settled position: shares held when won,
// nothing when lost. Rounded to cents.
func ReturnAmount(entryAmount, entryOdds decimal.Decimal, won bool) decimal.Decimal {
	if !won || !entryOdds.IsPositive() {
		return decimal.Zero
	}
	return entryAmount.Div(entryOdds).Round(2)
}

// Resolve settles a position owned by userID. Settlement happens at most
// once even under concurrent calls.
func (e *Engine) Resolve(ctx context.Context, userID, positionID string, won bool) (*model.Position, error) {
	start := time.Now()
	defer func() { metrics.PositionLatency.WithLabelValues("resolve").Observe(time.Since(start).Seconds()) }()

	status, event := model.StatusLost, ledger.EventPositionLost
	if won {
		status, event = model.StatusWon, ledger.EventPositionWon
	}

	var pos *model.Position
	err := e.store.InTx(ctx, func(tx store.Store) error {
		p, err := tx.GetPosition(ctx, positionID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && p.UserID != userID) {
			return fmt.Errorf("position %s: %w", positionID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if p.Status != model.StatusOpen {
			return fmt.Errorf("position %s is %s: %w", positionID, p.Status, ErrAlreadyResolved)
		}

		ret := ReturnAmount(p.EntryAmount, p.EntryOdds, won)
		resolvedAt := e.now()
		if err := tx.SettlePosition(ctx, positionID, status, ret, resolvedAt); err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				return fmt.Errorf("position %s: %w", positionID, ErrAlreadyResolved)
			}
			return err
		}

		l := e.ledger.Bind(tx)
		if err := l.Credit(ctx, userID, ret); err != nil {
			return err
		}
		if err := l.Award(ctx, userID, event); err != nil {
			return err
		}

		p.Status = status
		p.ReturnAmount = decimal.NewNullDecimal(ret)
		p.ResolvedAt = &resolvedAt
		pos = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PositionsResolved.WithLabelValues(status).Inc()
	e.logger.Info("position resolved",
		slog.String("position_id", pos.ID),
		slog.String("user_id", userID),
		slog.String("status", status),
		slog.String("return", pos.ReturnAmount.Decimal.String()),
	)
	e.notifier.Notify(ctx, notify.Event{
		Type:       notify.EventPositionResolved,
		MasterID:   pos.MasterID,
		BetID:      pos.BetID,
		PositionID: pos.ID,
		UserID:     userID,
		Market:     pos.MarketQuestion,
		Side:       pos.Side,
		Amount:     pos.ReturnAmount.Decimal.String(),
		Status:     status,
		At:         *pos.ResolvedAt,
	})
	return pos, nil
}
