package position

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/theguild/guild-engine/internal/model"
)

// Portfolio returns every position of userID marked to current odds.
func (e *Engine) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	acct, err := e.ledger.EnsureAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	pf := &model.Portfolio{
		UserID:        userID,
		Balance:       acct.Balance,
		Positions:     make([]model.PositionView, 0, len(positions)),
		OpenExposure:  decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   decimal.Zero,
	}
	for _, p := range positions {
		v := Mark(p)
		pf.Positions = append(pf.Positions, v)
		if p.Status == model.StatusOpen {
			pf.OpenExposure = pf.OpenExposure.Add(p.EntryAmount)
			pf.UnrealizedPnL = pf.UnrealizedPnL.Add(v.UnrealizedPnL)
		} else {
			pf.RealizedPnL = pf.RealizedPnL.Add(v.RealizedPnL)
		}
	}
	return pf, nil
}

// Mark derives the value and P&L of a single position. An open position is
// worth its share count at current odds, falling back to entry odds.
func Mark(p model.Position) model.PositionView {
	v := model.PositionView{
		Position:      p,
		MarkValue:     decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   decimal.Zero,
	}
	if p.Status != model.StatusOpen {
		ret := p.ReturnAmount.Decimal
		v.MarkValue = ret
		v.RealizedPnL = ret.Sub(p.EntryAmount)
		return v
	}
	if !p.EntryOdds.IsPositive() {
		v.MarkValue = p.EntryAmount
		return v
	}
	current := p.EntryOdds
	if p.CurrentOdds.Valid {
		current = p.CurrentOdds.Decimal
	}
	v.MarkValue = p.EntryAmount.Div(p.EntryOdds).Mul(current).Round(2)
	v.UnrealizedPnL = v.MarkValue.Sub(p.EntryAmount)
	return v
}
