// Package ledger applies bankroll and experience mutations to accounts.
// Every balance change is a single guarded store update, so concurrent
// debits can never drive a balance below zero.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theguild/guild-engine/internal/metrics"
	"github.com/theguild/guild-engine/internal/model"
	"github.com/theguild/guild-engine/internal/store"
)

var (
	// ErrInvalidAmount is returned for non-positive debits and negative credits.
	ErrInvalidAmount = errors.New("ledger: invalid amount")

	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
)

// DefaultStartingBankroll is credited to every newly provisioned account.
var DefaultStartingBankroll = decimal.NewFromInt(10000)

// Ledger is bound to a store, which may be a transactional view.
type Ledger struct {
	store    store.Store
	bankroll decimal.Decimal
}

// New creates a ledger that provisions accounts with bankroll.
func New(st store.Store, bankroll decimal.Decimal) *Ledger {
	return &Ledger{store: st, bankroll: bankroll}
}

// Bind returns a ledger with the same settings operating on st.
func (l *Ledger) Bind(st store.Store) *Ledger {
	return &Ledger{store: st, bankroll: l.bankroll}
}

// EnsureAccount returns the account, creating it with the starting
// bankroll on first use.
func (l *Ledger) EnsureAccount(ctx context.Context, id string) (*model.Account, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	acct = &model.Account{
		ID:        id,
		Balance:   l.bankroll,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		// Lost a provisioning race; the winner's row is authoritative.
		if errors.Is(err, store.ErrDuplicate) {
			return l.store.GetAccount(ctx, id)
		}
		return nil, fmt.Errorf("provision account %s: %w", id, err)
	}
	return acct, nil
}

// Account returns the account or store.ErrNotFound.
func (l *Ledger) Account(ctx context.Context, id string) (*model.Account, error) {
	return l.store.GetAccount(ctx, id)
}

// Debit removes amount from the balance, failing without side effects if
// the balance is short.
func (l *Ledger) Debit(ctx context.Context, id string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("debit %s: %w", amount, ErrInvalidAmount)
	}
	err := l.store.DebitBalance(ctx, id, amount)
	if errors.Is(err, store.ErrConditionFailed) {
		metrics.LedgerRejections.WithLabelValues("insufficient_funds").Inc()
		return fmt.Errorf("debit %s from %s: %w", amount, id, ErrInsufficientFunds)
	}
	if err != nil {
		return err
	}
	metrics.LedgerVolume.WithLabelValues("debit").Add(amount.InexactFloat64())
	return nil
}

// Credit adds amount to the balance. A zero credit is a no-op.
func (l *Ledger) Credit(ctx context.Context, id string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("credit %s: %w", amount, ErrInvalidAmount)
	}
	if amount.IsZero() {
		return nil
	}
	if err := l.store.CreditBalance(ctx, id, amount); err != nil {
		return err
	}
	metrics.LedgerVolume.WithLabelValues("credit").Add(amount.InexactFloat64())
	return nil
}

// AwardXP adds a raw amount of experience.
func (l *Ledger) AwardXP(ctx context.Context, id string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("award %d xp: %w", amount, ErrInvalidAmount)
	}
	if amount == 0 {
		return nil
	}
	return l.store.AddXP(ctx, id, amount)
}

// Award grants the experience the policy table assigns to event.
func (l *Ledger) Award(ctx context.Context, id string, event Event) error {
	amount, ok := Awards[event]
	if !ok {
		return fmt.Errorf("ledger: unknown xp event %q", event)
	}
	if err := l.AwardXP(ctx, id, amount); err != nil {
		return err
	}
	metrics.XPAwarded.WithLabelValues(string(event)).Add(float64(amount))
	return nil
}
