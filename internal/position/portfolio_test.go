package position_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theguild/guild-engine/internal/model"
	"github.com/theguild/guild-engine/internal/position"
	"github.com/theguild/guild-engine/internal/store"
)

func TestMark_OpenPositionUsesShareCount(t *testing.T) {
	v := position.Mark(model.Position{
		Status:      model.StatusOpen,
		EntryAmount: d(100),
		EntryOdds:   d(0.25),
		CurrentOdds: decimal.NewNullDecimal(d(0.50)),
	})
	assert.True(t, v.MarkValue.Equal(d(200)), "mark %s", v.MarkValue)
	assert.True(t, v.UnrealizedPnL.Equal(d(100)))
	assert.True(t, v.RealizedPnL.IsZero())
}

func TestMark_FallsBackToEntryOdds(t *testing.T) {
	v := position.Mark(model.Position{
		Status:      model.StatusOpen,
		EntryAmount: d(100),
		EntryOdds:   d(0.40),
	})
	assert.True(t, v.MarkValue.Equal(d(100)))
	assert.True(t, v.UnrealizedPnL.IsZero())
}

func TestMark_Resolved(t *testing.T) {
	v := position.Mark(model.Position{
		Status:       model.StatusLost,
		EntryAmount:  d(100),
		EntryOdds:    d(0.40),
		ReturnAmount: decimal.NewNullDecimal(decimal.Zero),
	})
	assert.True(t, v.RealizedPnL.Equal(d(-100)))
	assert.True(t, v.UnrealizedPnL.IsZero())
}

func TestPortfolio_Totals(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, store.NewMemoryStore(), 1000)

	open, err := env.engine.Copy(ctx, "u1", "b1", d(60))
	require.NoError(t, err)
	won, err := env.engine.Copy(ctx, "u1", "b1", d(30))
	require.NoError(t, err)
	_, err = env.engine.Resolve(ctx, "u1", won.ID, true)
	require.NoError(t, err)

	pf, err := env.engine.Portfolio(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pf.Positions, 2)
	assert.True(t, pf.OpenExposure.Equal(d(60)))
	assert.True(t, pf.UnrealizedPnL.IsZero())
	assert.True(t, pf.RealizedPnL.Equal(d(70)), "realized %s", pf.RealizedPnL)
	assert.True(t, pf.Balance.Equal(d(1010)), "balance %s", pf.Balance)

	ids := []string{pf.Positions[0].ID, pf.Positions[1].ID}
	assert.ElementsMatch(t, []string{open.ID, won.ID}, ids)
}

func TestPortfolio_ProvisionsNewUser(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), 1000)
	pf, err := env.engine.Portfolio(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Empty(t, pf.Positions)
	assert.True(t, pf.Balance.Equal(d(1000)))
}
