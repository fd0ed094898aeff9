// Package model defines the core domain types shared across the guild engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of a binary market outcome.
const (
	SideYes = "YES"
	SideNo  = "NO"
)

// Status of a bet or position.
const (
	StatusOpen = "OPEN"
	StatusWon  = "WON"
	StatusLost = "LOST"
)

// Source distinguishes copied positions from user-initiated ones.
const (
	SourceCopy = "COPY"
	SourceOwn  = "OWN"
)

// Master is a tracked trader whose bets are published as signals.
// Only masters with a wallet are ingested.
type Master struct {
	ID             string    `json:"id" db:"id"`
	Username       string    `json:"username" db:"username"`
	DisplayName    string    `json:"display_name" db:"display_name"`
	Wallet         string    `json:"wallet,omitempty" db:"wallet"`
	PrimaryMarkets []string  `json:"primary_markets" db:"primary_markets"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Bet is a signal derived from one of a master's trades.
// (MasterID, ExternalID) is unique; ExternalID is the feed transaction hash.
type Bet struct {
	ID             string              `json:"id" db:"id"`
	MasterID       string              `json:"master_id" db:"master_id"`
	MarketQuestion string              `json:"market_question" db:"market_question"`
	MarketURL      string              `json:"market_url,omitempty" db:"market_url"`
	ExternalID     string              `json:"external_id" db:"external_id"`
	Category       string              `json:"category" db:"category"`
	Side           string              `json:"side" db:"side"`                 // "YES" or "NO"
	EntryOdds      decimal.Decimal     `json:"entry_odds" db:"entry_odds"`     // price in (0,1]
	EntryAmount    decimal.Decimal     `json:"entry_amount" db:"entry_amount"` // size × price
	EntryDate      time.Time           `json:"entry_date" db:"entry_date"`
	CurrentOdds    decimal.NullDecimal `json:"current_odds" db:"current_odds"`
	Status         string              `json:"status" db:"status"`
	Rationale      *string             `json:"rationale" db:"rationale"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
}

// Odds returns the current odds when known, else the entry odds.
func (b *Bet) Odds() decimal.Decimal {
	if b.CurrentOdds.Valid {
		return b.CurrentOdds.Decimal
	}
	return b.EntryOdds
}

// Position is a user's virtual stake, usually copied from a Bet.
type Position struct {
	ID             string              `json:"id" db:"id"`
	UserID         string              `json:"user_id" db:"user_id"`
	BetID          string              `json:"bet_id,omitempty" db:"bet_id"`
	MasterID       string              `json:"master_id,omitempty" db:"master_id"`
	MarketQuestion string              `json:"market_question" db:"market_question"`
	Side           string              `json:"side" db:"side"`
	EntryOdds      decimal.Decimal     `json:"entry_odds" db:"entry_odds"`
	EntryAmount    decimal.Decimal     `json:"entry_amount" db:"entry_amount"`
	CurrentOdds    decimal.NullDecimal `json:"current_odds" db:"current_odds"`
	Status         string              `json:"status" db:"status"`
	ReturnAmount   decimal.NullDecimal `json:"return_amount" db:"return_amount"` // set on resolution
	Source         string              `json:"source" db:"source"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Account holds a user's virtual bankroll and experience.
type Account struct {
	ID                 string          `json:"id" db:"id"`
	Balance            decimal.Decimal `json:"balance" db:"balance"`
	XP                 int64           `json:"xp" db:"xp"`
	FirstFollowAwarded bool            `json:"first_follow_awarded" db:"first_follow_awarded"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// Follow is a user → master subscription edge.
type Follow struct {
	UserID    string    `json:"user_id" db:"user_id"`
	MasterID  string    `json:"master_id" db:"master_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PositionView is a position marked to its current odds.
type PositionView struct {
	Position
	MarkValue     decimal.Decimal `json:"mark_value"`     // shares × current odds
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // open positions only
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`   // resolved positions only
}

// Portfolio aggregates all positions for a user with P&L.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	Positions     []PositionView  `json:"positions"`
	OpenExposure  decimal.Decimal `json:"open_exposure"` // Σ entry amount of open positions
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}
