package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/theguild/guild-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for account, master and bet lookups. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back to the
// primary. Guards such as the conditional debit always run on the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration

	// pending collects keys to drop once the enclosing transaction commits.
	pending *[]string
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// InTx runs fn on the primary's transaction. Cache entries touched inside
// are invalidated after commit so readers never see uncommitted state.
func (s *CachedStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.pending != nil {
		return fn(s)
	}
	var keys []string
	err := s.primary.InTx(ctx, func(tx Store) error {
		return fn(&CachedStore{primary: tx, rdb: s.rdb, ttl: s.ttl, pending: &keys})
	})
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	if s.pending != nil {
		*s.pending = append(*s.pending, key)
		return
	}
	s.rdb.Del(ctx, key)
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMaster(ctx context.Context, m *model.Master) error {
	if err := s.primary.CreateMaster(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, masterKey(m.ID))
	return nil
}

func (s *CachedStore) InsertBet(ctx context.Context, b *model.Bet) error {
	return s.primary.InsertBet(ctx, b)
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.invalidate(ctx, accountKey(a.ID))
	return nil
}

func (s *CachedStore) DebitBalance(ctx context.Context, id string, amount decimal.Decimal) error {
	if err := s.primary.DebitBalance(ctx, id, amount); err != nil {
		return err
	}
	s.invalidate(ctx, accountKey(id))
	return nil
}

func (s *CachedStore) CreditBalance(ctx context.Context, id string, amount decimal.Decimal) error {
	if err := s.primary.CreditBalance(ctx, id, amount); err != nil {
		return err
	}
	s.invalidate(ctx, accountKey(id))
	return nil
}

func (s *CachedStore) AddXP(ctx context.Context, id string, amount int64) error {
	if err := s.primary.AddXP(ctx, id, amount); err != nil {
		return err
	}
	s.invalidate(ctx, accountKey(id))
	return nil
}

func (s *CachedStore) ClaimFirstFollowBonus(ctx context.Context, id string) (bool, error) {
	claimed, err := s.primary.ClaimFirstFollowBonus(ctx, id)
	if err != nil {
		return false, err
	}
	if claimed {
		s.invalidate(ctx, accountKey(id))
	}
	return claimed, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	// Inside a transaction the primary's view is authoritative.
	if s.pending != nil {
		return s.primary.GetAccount(ctx, id)
	}
	var a model.Account
	if s.readCache(ctx, accountKey(id), &a) {
		return &a, nil
	}

	acct, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, accountKey(id), acct)
	return acct, nil
}

func (s *CachedStore) GetMaster(ctx context.Context, id string) (*model.Master, error) {
	if s.pending != nil {
		return s.primary.GetMaster(ctx, id)
	}
	var m model.Master
	if s.readCache(ctx, masterKey(id), &m) {
		return &m, nil
	}

	master, err := s.primary.GetMaster(ctx, id)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, masterKey(id), master)
	return master, nil
}

func (s *CachedStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	if s.pending != nil {
		return s.primary.GetBet(ctx, id)
	}
	var b model.Bet
	if s.readCache(ctx, betKey(id), &b) {
		return &b, nil
	}

	bet, err := s.primary.GetBet(ctx, id)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, betKey(id), bet)
	return bet, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMasters(ctx context.Context) ([]model.Master, error) {
	return s.primary.ListMasters(ctx)
}

func (s *CachedStore) ListBetsByMaster(ctx context.Context, masterID, status string, limit int) ([]model.Bet, error) {
	return s.primary.ListBetsByMaster(ctx, masterID, status, limit)
}

func (s *CachedStore) ListRecentBets(ctx context.Context, limit int) ([]model.Bet, error) {
	return s.primary.ListRecentBets(ctx, limit)
}

func (s *CachedStore) ExternalIDsForMaster(ctx context.Context, masterID string) (map[string]struct{}, error) {
	return s.primary.ExternalIDsForMaster(ctx, masterID)
}

func (s *CachedStore) InsertPosition(ctx context.Context, p *model.Position) error {
	return s.primary.InsertPosition(ctx, p)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListPositionsByUser(ctx, userID)
}

func (s *CachedStore) SettlePosition(ctx context.Context, id, status string, returnAmount decimal.Decimal, resolvedAt time.Time) error {
	return s.primary.SettlePosition(ctx, id, status, returnAmount, resolvedAt)
}

func (s *CachedStore) InsertFollow(ctx context.Context, f *model.Follow) error {
	return s.primary.InsertFollow(ctx, f)
}

func (s *CachedStore) DeleteFollow(ctx context.Context, userID, masterID string) error {
	return s.primary.DeleteFollow(ctx, userID, masterID)
}

func (s *CachedStore) ListFollows(ctx context.Context, userID string) ([]model.Follow, error) {
	return s.primary.ListFollows(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) readCache(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) writeCache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }
func masterKey(id string) string  { return fmt.Sprintf("master:%s", id) }
func betKey(id string) string     { return fmt.Sprintf("bet:%s", id) }
