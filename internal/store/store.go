// Package store defines the persistence interface for the guild engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-node),
// Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theguild/guild-engine/internal/model"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate")

	// ErrConditionFailed is returned when a conditional update matched zero rows.
	ErrConditionFailed = errors.New("store: condition failed")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Master operations ---

	// CreateMaster persists a new master. ErrDuplicate on a taken username.
	CreateMaster(ctx context.Context, m *model.Master) error

	// GetMaster retrieves a master by its ID.
	GetMaster(ctx context.Context, id string) (*model.Master, error)

	// ListMasters returns all masters ordered by username.
	ListMasters(ctx context.Context) ([]model.Master, error)

	// --- Bet operations ---

	// InsertBet persists a new bet. ErrDuplicate when (master_id, external_id)
	// already exists.
	InsertBet(ctx context.Context, b *model.Bet) error

	// GetBet retrieves a bet by its ID.
	GetBet(ctx context.Context, id string) (*model.Bet, error)

	// ListBetsByMaster returns a master's bets, newest entry first. An empty
	// status matches all; limit <= 0 means no limit.
	ListBetsByMaster(ctx context.Context, masterID, status string, limit int) ([]model.Bet, error)

	// ListRecentBets returns bets across all masters, most recently
	// ingested first. limit <= 0 means no limit.
	ListRecentBets(ctx context.Context, limit int) ([]model.Bet, error)

	// ExternalIDsForMaster returns the set of external ids already stored.
	ExternalIDsForMaster(ctx context.Context, masterID string) (map[string]struct{}, error)

	// --- Account operations ---

	// CreateAccount persists a new account. ErrDuplicate if it exists.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// DebitBalance subtracts amount only when balance >= amount.
	// ErrConditionFailed when the balance is short, ErrNotFound when missing.
	DebitBalance(ctx context.Context, id string, amount decimal.Decimal) error

	// CreditBalance adds amount to the balance.
	CreditBalance(ctx context.Context, id string, amount decimal.Decimal) error

	// AddXP adds amount to the account's experience.
	AddXP(ctx context.Context, id string, amount int64) error

	// ClaimFirstFollowBonus flips first_follow_awarded from false to true.
	// Returns false when it was already set.
	ClaimFirstFollowBonus(ctx context.Context, id string) (bool, error)

	// --- Position operations ---

	// InsertPosition persists a new position.
	InsertPosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by its ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositionsByUser returns a user's positions, newest first.
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// SettlePosition moves an OPEN position to status with its return.
	// ErrConditionFailed when the position is no longer OPEN.
	SettlePosition(ctx context.Context, id, status string, returnAmount decimal.Decimal, resolvedAt time.Time) error

	// --- Follow operations ---

	// InsertFollow persists a follow edge. ErrDuplicate if it exists.
	InsertFollow(ctx context.Context, f *model.Follow) error

	// DeleteFollow removes a follow edge. ErrNotFound if absent.
	DeleteFollow(ctx context.Context, userID, masterID string) error

	// ListFollows returns the masters a user follows.
	ListFollows(ctx context.Context, userID string) ([]model.Follow, error)

	// --- Transactions ---

	// InTx runs fn against a transactional view of the store. The view's
	// writes commit only when fn returns nil. Calling InTx on a view runs fn
	// inside the enclosing transaction.
	InTx(ctx context.Context, fn func(Store) error) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStorage)(nil)
	_ Store = (*CachedStore)(nil)
)
