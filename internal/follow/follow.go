// Package follow manages the user → master follow graph and the one-time
// first-follow experience bonus.
package follow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/theguild/guild-engine/internal/ledger"
	"github.com/theguild/guild-engine/internal/metrics"
	"github.com/theguild/guild-engine/internal/model"
	"github.com/theguild/guild-engine/internal/store"
)

var (
	ErrNotFound         = errors.New("follow: not found")
	ErrAlreadyFollowing = errors.New("follow: already following")
)

// Service records follows.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	logger *slog.Logger
}

func NewService(st store.Store, l *ledger.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, ledger: l, logger: logger}
}

// Follow subscribes userID to masterID. The first follow an account ever
// makes earns the first_follow award; later follows earn nothing.
func (s *Service) Follow(ctx context.Context, userID, masterID string) (*model.Follow, error) {
	f := &model.Follow{UserID: userID, MasterID: masterID, CreatedAt: time.Now().UTC()}
	var bonus bool

	err := s.store.InTx(ctx, func(tx store.Store) error {
		if _, err := tx.GetMaster(ctx, masterID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("master %s: %w", masterID, ErrNotFound)
			}
			return err
		}

		l := s.ledger.Bind(tx)
		if _, err := l.EnsureAccount(ctx, userID); err != nil {
			return err
		}
		if err := tx.InsertFollow(ctx, f); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%s → %s: %w", userID, masterID, ErrAlreadyFollowing)
			}
			return err
		}

		claimed, err := tx.ClaimFirstFollowBonus(ctx, userID)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
		bonus = true
		return l.Award(ctx, userID, ledger.EventFirstFollow)
	})
	if err != nil {
		return nil, err
	}

	metrics.FollowsTotal.WithLabelValues("follow").Inc()
	s.logger.Info("master followed",
		slog.String("user_id", userID),
		slog.String("master_id", masterID),
		slog.Bool("first_follow_bonus", bonus),
	)
	return f, nil
}

// Unfollow removes the edge. The first-follow flag is kept.
func (s *Service) Unfollow(ctx context.Context, userID, masterID string) error {
	if err := s.store.DeleteFollow(ctx, userID, masterID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s → %s: %w", userID, masterID, ErrNotFound)
		}
		return err
	}
	metrics.FollowsTotal.WithLabelValues("unfollow").Inc()
	return nil
}

// List returns the masters userID follows, oldest first.
func (s *Service) List(ctx context.Context, userID string) ([]model.Follow, error) {
	return s.store.ListFollows(ctx, userID)
}
