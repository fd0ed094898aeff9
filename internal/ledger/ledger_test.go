package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theguild/guild-engine/internal/ledger"
	"github.com/theguild/guild-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newLedger(t *testing.T, balance float64) (*ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms, d(balance))
	_, err := l.EnsureAccount(context.Background(), "u1")
	require.NoError(t, err)
	return l, ms
}

func balance(t *testing.T, l *ledger.Ledger) decimal.Decimal {
	t.Helper()
	acct, err := l.Account(context.Background(), "u1")
	require.NoError(t, err)
	return acct.Balance
}

func TestEnsureAccount_ProvisionsOnce(t *testing.T) {
	l, _ := newLedger(t, 1000)
	ctx := context.Background()

	require.NoError(t, l.Debit(ctx, "u1", d(100)))
	acct, err := l.EnsureAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d(900)), "existing account must not be reset, got %s", acct.Balance)
}

func TestDebit_ExactBalanceSucceeds(t *testing.T) {
	l, _ := newLedger(t, 100)
	require.NoError(t, l.Debit(context.Background(), "u1", d(100)))
	assert.True(t, balance(t, l).IsZero())
}

func TestDebit_InsufficientFundsLeavesBalance(t *testing.T) {
	l, _ := newLedger(t, 50)
	err := l.Debit(context.Background(), "u1", d(100))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.True(t, balance(t, l).Equal(d(50)))
}

func TestDebit_RejectsNonPositive(t *testing.T) {
	l, _ := newLedger(t, 50)
	assert.ErrorIs(t, l.Debit(context.Background(), "u1", decimal.Zero), ledger.ErrInvalidAmount)
	assert.ErrorIs(t, l.Debit(context.Background(), "u1", d(-5)), ledger.ErrInvalidAmount)
	assert.True(t, balance(t, l).Equal(d(50)))
}

func TestDebit_MissingAccount(t *testing.T) {
	l, _ := newLedger(t, 50)
	assert.ErrorIs(t, l.Debit(context.Background(), "ghost", d(1)), store.ErrNotFound)
}

func TestCredit(t *testing.T) {
	l, _ := newLedger(t, 50)
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, "u1", d(25.5)))
	require.NoError(t, l.Credit(ctx, "u1", decimal.Zero))
	assert.ErrorIs(t, l.Credit(ctx, "u1", d(-1)), ledger.ErrInvalidAmount)
	assert.True(t, balance(t, l).Equal(d(75.5)))
}

func TestAward_UsesPolicyTable(t *testing.T) {
	l, _ := newLedger(t, 0)
	ctx := context.Background()

	require.NoError(t, l.Award(ctx, "u1", ledger.EventCopySignal))
	require.NoError(t, l.Award(ctx, "u1", ledger.EventPositionWon))
	require.NoError(t, l.Award(ctx, "u1", ledger.EventPositionLost))
	require.NoError(t, l.Award(ctx, "u1", ledger.EventFirstFollow))
	require.Error(t, l.Award(ctx, "u1", ledger.Event("daily_login")))

	acct, err := l.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10+25+5+50), acct.XP)
}

func TestBind_OperatesInsideTransaction(t *testing.T) {
	l, ms := newLedger(t, 100)
	ctx := context.Background()

	err := ms.InTx(ctx, func(tx store.Store) error {
		if err := l.Bind(tx).Debit(ctx, "u1", d(60)); err != nil {
			return err
		}
		return l.Bind(tx).Debit(ctx, "u1", d(60))
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.True(t, balance(t, l).Equal(d(100)), "first debit must roll back")
}
