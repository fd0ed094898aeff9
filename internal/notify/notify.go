// Package notify fans engine events out to live subscribers.
package notify

import (
	"context"
	"time"
)

// Event types.
const (
	EventSignalIngested   = "signal_ingested"
	EventPositionOpened   = "position_opened"
	EventPositionResolved = "position_resolved"
)

// Event is a JSON message describing a state change.
type Event struct {
	Type       string    `json:"type"`
	MasterID   string    `json:"master_id,omitempty"`
	BetID      string    `json:"bet_id,omitempty"`
	PositionID string    `json:"position_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Market     string    `json:"market,omitempty"`
	Category   string    `json:"category,omitempty"`
	Side       string    `json:"side,omitempty"`
	Odds       string    `json:"odds,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Status     string    `json:"status,omitempty"`
	At         time.Time `json:"at"`
}

// Notifier delivers events. Delivery is best effort; implementations must
// not block the caller on slow subscribers.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
