package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theguild/guild-engine/internal/model"
	"github.com/theguild/guild-engine/internal/redistest"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// backends returns every Store implementation that runs without a server.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStorage(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"cached": func(t *testing.T) Store {
			return NewCachedStore(NewMemoryStore(), redistest.New(), time.Minute)
		},
	}
}

func seedAccount(t *testing.T, s Store, id string, balance float64) {
	t.Helper()
	require.NoError(t, s.CreateAccount(context.Background(), &model.Account{
		ID: id, Balance: d(balance), CreatedAt: time.Now().UTC(),
	}))
}

func seedMaster(t *testing.T, s Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateMaster(context.Background(), &model.Master{
		ID: id, Username: "user-" + id, DisplayName: id,
		Wallet:         "0x56687bf447db6ffa42ffe2204a05edaa20f55839",
		PrimaryMarkets: []string{"politics"}, CreatedAt: time.Now().UTC(),
	}))
}

func newBet(id, masterID, externalID string, at time.Time) *model.Bet {
	return &model.Bet{
		ID: id, MasterID: masterID, MarketQuestion: "Will it happen?",
		ExternalID: externalID, Category: "social", Side: model.SideYes,
		EntryOdds: d(0.4), EntryAmount: d(200), EntryDate: at,
		Status: model.StatusOpen, CreatedAt: at,
	}
}

func newPosition(id, userID string) *model.Position {
	return &model.Position{
		ID: id, UserID: userID, MarketQuestion: "Will it happen?", Side: model.SideYes,
		EntryOdds: d(0.3), EntryAmount: d(100), CurrentOdds: decimal.NewNullDecimal(d(0.3)),
		Status: model.StatusOpen, Source: model.SourceCopy, CreatedAt: time.Now().UTC(),
	}
}

func TestStore_BetUniquenessPerMaster(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seedMaster(t, s, "m1")
			seedMaster(t, s, "m2")
			now := time.Now().UTC()

			require.NoError(t, s.InsertBet(ctx, newBet("b1", "m1", "0xabc", now)))
			err := s.InsertBet(ctx, newBet("b2", "m1", "0xabc", now))
			assert.ErrorIs(t, err, ErrDuplicate)

			// The same hash under another master is a different signal.
			require.NoError(t, s.InsertBet(ctx, newBet("b3", "m2", "0xabc", now)))

			ids, err := s.ExternalIDsForMaster(ctx, "m1")
			require.NoError(t, err)
			assert.Len(t, ids, 1)
			assert.Contains(t, ids, "0xabc")
		})
	}
}

func TestStore_GetBetRoundTripsNullableFields(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seedMaster(t, s, "m1")
			at := time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC)

			require.NoError(t, s.InsertBet(ctx, newBet("b1", "m1", "0x1", at)))
			got, err := s.GetBet(ctx, "b1")
			require.NoError(t, err)
			assert.False(t, got.CurrentOdds.Valid)
			assert.Nil(t, got.Rationale)
			assert.True(t, got.EntryOdds.Equal(d(0.4)))
			assert.True(t, got.EntryDate.Equal(at))

			_, err = s.GetBet(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListBetsByMasterNewestFirst(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seedMaster(t, s, "m1")
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			for i, ext := range []string{"0x1", "0x2", "0x3"} {
				require.NoError(t, s.InsertBet(ctx, newBet("b"+ext, "m1", ext, base.Add(time.Duration(i)*time.Hour))))
			}

			bets, err := s.ListBetsByMaster(ctx, "m1", "", 2)
			require.NoError(t, err)
			require.Len(t, bets, 2)
			assert.Equal(t, "0x3", bets[0].ExternalID)
			assert.Equal(t, "0x2", bets[1].ExternalID)

			bets, err = s.ListBetsByMaster(ctx, "m1", model.StatusWon, 0)
			require.NoError(t, err)
			assert.Empty(t, bets)
		})
	}
}

func TestStore_ListRecentBetsAcrossMasters(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seedMaster(t, s, "m1")
			seedMaster(t, s, "m2")
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			require.NoError(t, s.InsertBet(ctx, newBet("b1", "m1", "0x1", base)))
			require.NoError(t, s.InsertBet(ctx, newBet("b2", "m2", "0x2", base.Add(time.Hour))))
			require.NoError(t, s.InsertBet(ctx, newBet("b3", "m1", "0x3", base.Add(2*time.Hour))))

			bets, err := s.ListRecentBets(ctx, 2)
			require.NoError(t, err)
			require.Len(t, bets, 2)
			assert.Equal(t, "b3", bets[0].ID)
			assert.Equal(t, "b2", bets[1].ID)

			bets, err = s.ListRecentBets(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, bets, 3)
		})
	}
}

func TestStore_DebitIsConditional(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seedAccount(t, s, "u1", 50)

			err := s.DebitBalance(ctx, "u1", d(100))
			assert.ErrorIs(t, err, ErrConditionFailed)

			acct, err := s.GetAccount(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, acct.Balance.Equal(d(50)), "balance unchanged, got %s", acct.Balance)

			require.NoError(t, s.DebitBalance(ctx, "u1", d(50)))
			acct, _ = s.GetAccount(ctx, "u1")
			assert.True(t, acct.Balance.IsZero())

			assert.ErrorIs(t, s.DebitBalance(ctx, "nobody", d(1)), ErrNotFound)
		})
	}
}

func TestStore_SettleOnlyOnce(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seedAccount(t, s, "u1", 0)
			require.NoError(t, s.InsertPosition(ctx, newPosition("p1", "u1")))

			now := time.Now().UTC()
			require.NoError(t, s.SettlePosition(ctx, "p1", model.StatusWon, d(333.33), now))
			err := s.SettlePosition(ctx, "p1", model.StatusLost, decimal.Zero, now)
			assert.ErrorIs(t, err, ErrConditionFailed)

			p, err := s.GetPosition(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, model.StatusWon, p.Status)
			require.True(t, p.ReturnAmount.Valid)
			assert.True(t, p.ReturnAmount.Decimal.Equal(d(333.33)))
			require.NotNil(t, p.ResolvedAt)

			assert.ErrorIs(t, s.SettlePosition(ctx, "missing", model.StatusWon, d(1), now), ErrNotFound)
		})
	}
}

func TestStore_ClaimFirstFollowBonusOnce(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seedAccount(t, s, "u1", 0)

			claimed, err := s.ClaimFirstFollowBonus(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, claimed)

			claimed, err = s.ClaimFirstFollowBonus(ctx, "u1")
			require.NoError(t, err)
			assert.False(t, claimed)

			_, err = s.ClaimFirstFollowBonus(ctx, "nobody")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_Follows(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seedMaster(t, s, "m1")

			f := &model.Follow{UserID: "u1", MasterID: "m1", CreatedAt: time.Now().UTC()}
			require.NoError(t, s.InsertFollow(ctx, f))
			assert.ErrorIs(t, s.InsertFollow(ctx, f), ErrDuplicate)

			follows, err := s.ListFollows(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, follows, 1)
			assert.Equal(t, "m1", follows[0].MasterID)

			require.NoError(t, s.DeleteFollow(ctx, "u1", "m1"))
			assert.ErrorIs(t, s.DeleteFollow(ctx, "u1", "m1"), ErrNotFound)
		})
	}
}

func TestStore_InTxRollsBackOnError(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seedAccount(t, s, "u1", 100)
			boom := errors.New("boom")

			err := s.InTx(ctx, func(tx Store) error {
				if err := tx.DebitBalance(ctx, "u1", d(40)); err != nil {
					return err
				}
				if err := tx.InsertPosition(ctx, newPosition("p1", "u1")); err != nil {
					return err
				}
				return boom
			})
			assert.ErrorIs(t, err, boom)

			acct, err := s.GetAccount(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, acct.Balance.Equal(d(100)), "got %s", acct.Balance)
			_, err = s.GetPosition(ctx, "p1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_InTxCommits(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seedAccount(t, s, "u1", 100)

			err := s.InTx(ctx, func(tx Store) error {
				if err := tx.DebitBalance(ctx, "u1", d(40)); err != nil {
					return err
				}
				return tx.AddXP(ctx, "u1", 10)
			})
			require.NoError(t, err)

			acct, err := s.GetAccount(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, acct.Balance.Equal(d(60)))
			assert.Equal(t, int64(10), acct.XP)
		})
	}
}

func TestMemoryStore_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "u1", 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.DebitBalance(ctx, "u1", d(30)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	acct, _ := s.GetAccount(ctx, "u1")
	assert.True(t, acct.Balance.Equal(d(10)))
}
