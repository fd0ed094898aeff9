package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theguild/guild-engine/internal/redistest"
)

func newCached(t *testing.T) (*CachedStore, *MemoryStore, *redistest.Client) {
	t.Helper()
	primary := NewMemoryStore()
	rdb := redistest.New()
	return NewCachedStore(primary, rdb, time.Minute), primary, rdb
}

func TestCachedStore_ReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	s, primary, rdb := newCached(t)
	seedAccount(t, s, "u1", 100)

	_, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rdb.Has(accountKey("u1")))

	// A write that bypasses the cache is not visible until invalidation.
	require.NoError(t, primary.CreditBalance(ctx, "u1", d(5)))
	acct, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d(100)), "served from cache, got %s", acct.Balance)

	require.NoError(t, s.DebitBalance(ctx, "u1", d(25)))
	assert.False(t, rdb.Has(accountKey("u1")))
	acct, err = s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d(80)), "got %s", acct.Balance)
}

func TestCachedStore_InvalidatesAfterCommit(t *testing.T) {
	ctx := context.Background()
	s, _, rdb := newCached(t)
	seedAccount(t, s, "u1", 100)
	_, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx Store) error {
		if err := tx.DebitBalance(ctx, "u1", d(40)); err != nil {
			return err
		}
		// Reads inside the transaction see its own writes.
		acct, err := tx.GetAccount(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, acct.Balance.Equal(d(60)), "got %s", acct.Balance)

		// Outside readers keep the committed value until commit.
		assert.True(t, rdb.Has(accountKey("u1")))
		return nil
	})
	require.NoError(t, err)

	assert.False(t, rdb.Has(accountKey("u1")))
	acct, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d(60)))
}

func TestCachedStore_RollbackKeepsCache(t *testing.T) {
	ctx := context.Background()
	s, _, rdb := newCached(t)
	seedAccount(t, s, "u1", 100)
	_, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	boom := errors.New("boom")

	err = s.InTx(ctx, func(tx Store) error {
		if err := tx.DebitBalance(ctx, "u1", d(40)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.True(t, rdb.Has(accountKey("u1")))
	acct, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d(100)))
}

func TestCachedStore_RedisDownFallsBackToPrimary(t *testing.T) {
	ctx := context.Background()
	s, _, rdb := newCached(t)
	seedMaster(t, s, "m1")
	rdb.FailWith(errors.New("connection refused"))

	m, err := s.GetMaster(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
}

func TestCachedStore_IgnoresCorruptEntries(t *testing.T) {
	ctx := context.Background()
	s, _, rdb := newCached(t)
	seedAccount(t, s, "u1", 100)
	rdb.Put(accountKey("u1"), "{not json")

	acct, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d(100)))
}
