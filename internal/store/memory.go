package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theguild/guild-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are copy-on-write: InTx holds the write lock, runs fn
// against a private copy of the state and swaps it in on success.
type MemoryStore struct {
	mu   *sync.RWMutex
	st   *memState
	inTx bool
}

type memState struct {
	masters   map[string]*model.Master
	bets      map[string]*model.Bet
	betKeys   map[string]string // master|external → bet id
	accounts  map[string]*model.Account
	positions map[string]*model.Position
	follows   map[string]*model.Follow // user|master
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.RWMutex{},
		st: &memState{
			masters:   make(map[string]*model.Master),
			bets:      make(map[string]*model.Bet),
			betKeys:   make(map[string]string),
			accounts:  make(map[string]*model.Account),
			positions: make(map[string]*model.Position),
			follows:   make(map[string]*model.Follow),
		},
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		masters:   make(map[string]*model.Master, len(st.masters)),
		bets:      make(map[string]*model.Bet, len(st.bets)),
		betKeys:   make(map[string]string, len(st.betKeys)),
		accounts:  make(map[string]*model.Account, len(st.accounts)),
		positions: make(map[string]*model.Position, len(st.positions)),
		follows:   make(map[string]*model.Follow, len(st.follows)),
	}
	for k, v := range st.masters {
		c.masters[k] = copyMaster(v)
	}
	for k, v := range st.bets {
		b := *v
		c.bets[k] = &b
	}
	for k, v := range st.betKeys {
		c.betKeys[k] = v
	}
	for k, v := range st.accounts {
		a := *v
		c.accounts[k] = &a
	}
	for k, v := range st.positions {
		p := *v
		c.positions[k] = &p
	}
	for k, v := range st.follows {
		f := *v
		c.follows[k] = &f
	}
	return c
}

func (s *MemoryStore) rlock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// InTx runs fn against a copy of the state. The view passed to fn must not
// be retained after fn returns.
func (s *MemoryStore) InTx(_ context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	view := &MemoryStore{mu: s.mu, st: s.st.clone(), inTx: true}
	if err := fn(view); err != nil {
		return err
	}
	s.st = view.st
	return nil
}

// --- Masters ---

func (s *MemoryStore) CreateMaster(_ context.Context, m *model.Master) error {
	defer s.lock()()

	for _, existing := range s.st.masters {
		if existing.Username == m.Username {
			return fmt.Errorf("master %s: %w", m.Username, ErrDuplicate)
		}
	}
	if _, ok := s.st.masters[m.ID]; ok {
		return fmt.Errorf("master %s: %w", m.ID, ErrDuplicate)
	}
	s.st.masters[m.ID] = copyMaster(m)
	return nil
}

func (s *MemoryStore) GetMaster(_ context.Context, id string) (*model.Master, error) {
	defer s.rlock()()

	m, ok := s.st.masters[id]
	if !ok {
		return nil, fmt.Errorf("master %s: %w", id, ErrNotFound)
	}
	return copyMaster(m), nil
}

func (s *MemoryStore) ListMasters(_ context.Context) ([]model.Master, error) {
	defer s.rlock()()

	masters := make([]model.Master, 0, len(s.st.masters))
	for _, m := range s.st.masters {
		masters = append(masters, *copyMaster(m))
	}
	sort.Slice(masters, func(i, j int) bool { return masters[i].Username < masters[j].Username })
	return masters, nil
}

// --- Bets ---

func (s *MemoryStore) InsertBet(_ context.Context, b *model.Bet) error {
	defer s.lock()()

	key := b.MasterID + "|" + b.ExternalID
	if _, ok := s.st.betKeys[key]; ok {
		return fmt.Errorf("bet %s for master %s: %w", b.ExternalID, b.MasterID, ErrDuplicate)
	}
	if _, ok := s.st.bets[b.ID]; ok {
		return fmt.Errorf("bet %s: %w", b.ID, ErrDuplicate)
	}

	cp := *b
	s.st.bets[b.ID] = &cp
	s.st.betKeys[key] = b.ID
	return nil
}

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	defer s.rlock()()

	b, ok := s.st.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBetsByMaster(_ context.Context, masterID, status string, limit int) ([]model.Bet, error) {
	defer s.rlock()()

	var result []model.Bet
	for _, b := range s.st.bets {
		if b.MasterID != masterID {
			continue
		}
		if status != "" && b.Status != status {
			continue
		}
		result = append(result, *b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EntryDate.After(result[j].EntryDate) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ListRecentBets(_ context.Context, limit int) ([]model.Bet, error) {
	defer s.rlock()()

	result := make([]model.Bet, 0, len(s.st.bets))
	for _, b := range s.st.bets {
		result = append(result, *b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ExternalIDsForMaster(_ context.Context, masterID string) (map[string]struct{}, error) {
	defer s.rlock()()

	ids := make(map[string]struct{})
	for _, b := range s.st.bets {
		if b.MasterID == masterID {
			ids[b.ExternalID] = struct{}{}
		}
	}
	return ids, nil
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	defer s.lock()()

	if _, ok := s.st.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrDuplicate)
	}
	cp := *a
	s.st.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	defer s.rlock()()

	a, ok := s.st.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) DebitBalance(_ context.Context, id string, amount decimal.Decimal) error {
	defer s.lock()()

	a, ok := s.st.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if a.Balance.LessThan(amount) {
		return fmt.Errorf("debit %s from account %s: %w", amount, id, ErrConditionFailed)
	}
	a.Balance = a.Balance.Sub(amount)
	return nil
}

func (s *MemoryStore) CreditBalance(_ context.Context, id string, amount decimal.Decimal) error {
	defer s.lock()()

	a, ok := s.st.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	a.Balance = a.Balance.Add(amount)
	return nil
}

func (s *MemoryStore) AddXP(_ context.Context, id string, amount int64) error {
	defer s.lock()()

	a, ok := s.st.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	a.XP += amount
	return nil
}

func (s *MemoryStore) ClaimFirstFollowBonus(_ context.Context, id string) (bool, error) {
	defer s.lock()()

	a, ok := s.st.accounts[id]
	if !ok {
		return false, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if a.FirstFollowAwarded {
		return false, nil
	}
	a.FirstFollowAwarded = true
	return true, nil
}

// --- Positions ---

func (s *MemoryStore) InsertPosition(_ context.Context, p *model.Position) error {
	defer s.lock()()

	if _, ok := s.st.positions[p.ID]; ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrDuplicate)
	}
	cp := *p
	s.st.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	defer s.rlock()()

	p, ok := s.st.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	defer s.rlock()()

	var result []model.Position
	for _, p := range s.st.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) SettlePosition(_ context.Context, id, status string, returnAmount decimal.Decimal, resolvedAt time.Time) error {
	defer s.lock()()

	p, ok := s.st.positions[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if p.Status != model.StatusOpen {
		return fmt.Errorf("settle position %s (%s): %w", id, p.Status, ErrConditionFailed)
	}
	at := resolvedAt
	p.Status = status
	p.ReturnAmount = decimal.NewNullDecimal(returnAmount)
	p.ResolvedAt = &at
	return nil
}

// --- Follows ---

func (s *MemoryStore) InsertFollow(_ context.Context, f *model.Follow) error {
	defer s.lock()()

	key := f.UserID + "|" + f.MasterID
	if _, ok := s.st.follows[key]; ok {
		return fmt.Errorf("follow %s → %s: %w", f.UserID, f.MasterID, ErrDuplicate)
	}
	cp := *f
	s.st.follows[key] = &cp
	return nil
}

func (s *MemoryStore) DeleteFollow(_ context.Context, userID, masterID string) error {
	defer s.lock()()

	key := userID + "|" + masterID
	if _, ok := s.st.follows[key]; !ok {
		return fmt.Errorf("follow %s → %s: %w", userID, masterID, ErrNotFound)
	}
	delete(s.st.follows, key)
	return nil
}

func (s *MemoryStore) ListFollows(_ context.Context, userID string) ([]model.Follow, error) {
	defer s.rlock()()

	var result []model.Follow
	for _, f := range s.st.follows {
		if f.UserID == userID {
			result = append(result, *f)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func copyMaster(m *model.Master) *model.Master {
	cp := *m
	cp.PrimaryMarkets = append([]string(nil), m.PrimaryMarkets...)
	return &cp
}
