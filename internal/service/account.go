package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"telegram-vpn-bot/internal/model"
	"telegram-vpn-bot/internal/repository"
)

// AccountService handles user accounts and balance history.
type AccountService struct {
	pool     *pgxpool.Pool
	userRepo *repository.UserRepository
	txRepo   *repository.TransactionRepository
}

// NewAccountService creates a new AccountService instance.
func NewAccountService(pool *pgxpool.Pool, userRepo *repository.UserRepository, txRepo *repository.TransactionRepository) *AccountService {
	return &AccountService{pool: pool, userRepo: userRepo, txRepo: txRepo}
}

// EnsureUser ensures a user exists, creating one if necessary, and keeps
// the Telegram profile fields current. Returns the user and whether it was
// newly created.
func (s *AccountService) EnsureUser(ctx context.Context, telegramID int64, username, fullName string) (*model.User, bool, error) {
	user, created, err := s.userRepo.GetOrCreate(ctx, telegramID, username, fullName)
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure user: %w", err)
	}

	if !created && (user.Username != username || user.FullName != fullName) {
		if err := s.userRepo.UpdateProfile(ctx, user.ID, username, fullName); err != nil {
			log.Warn().Err(err).Int64("user_id", user.ID).Msg("Failed to refresh profile")
		} else {
			user.Username = username
			user.FullName = fullName
		}
	}
	return user, created, nil
}

// GetByTelegramID retrieves a user by their Telegram ID.
func (s *AccountService) GetByTelegramID(ctx context.Context, telegramID int64) (*model.User, error) {
	return s.userRepo.GetByTelegramID(ctx, telegramID)
}

// History returns the user's most recent ledger entries.
func (s *AccountService) History(ctx context.Context, userID int64, limit int) ([]*model.Transaction, error) {
	return s.txRepo.GetByUserID(ctx, userID, limit)
}

// AdminAdjust changes a user's balance by the given amount and records the
// matching ledger entry, both in one transaction. Negative amounts debit.
func (s *AccountService) AdminAdjust(ctx context.Context, telegramID, amountKopeks int64, reason string) (*model.User, error) {
	user, err := s.userRepo.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin adjustment: %w", err)
	}
	defer tx.Rollback(ctx)

	userRepo := s.userRepo.WithTx(tx)
	txType := model.TxTypeAdminAdd

	var updated *model.User
	if amountKopeks >= 0 {
		updated, err = userRepo.AddBalance(ctx, user.ID, amountKopeks)
	} else {
		txType = model.TxTypeAdminSub
		updated, err = userRepo.DeductBalance(ctx, user.ID, -amountKopeks)
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.txRepo.WithTx(tx).Create(ctx, user.ID, amountKopeks, txType, &reason, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit adjustment: %w", err)
	}

	log.Info().
		Int64("user_id", user.ID).
		Int64("amount_kopeks", amountKopeks).
		Str("reason", reason).
		Msg("Balance adjusted by admin")
	return updated, nil
}

// SetRestriction toggles the purchase restriction on a user.
func (s *AccountService) SetRestriction(ctx context.Context, telegramID int64, restricted bool, reason string) error {
	user, err := s.userRepo.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return err
	}
	return s.userRepo.SetRestriction(ctx, user.ID, restricted, reason)
}

// SetBlocked switches the account between blocked and active. Blocked
// accounts cannot buy, receive trials, auto-complete carts, or win
// contests.
func (s *AccountService) SetBlocked(ctx context.Context, telegramID int64, blocked bool) error {
	user, err := s.userRepo.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return err
	}

	status := model.UserStatusActive
	if blocked {
		status = model.UserStatusBlocked
	}
	if err := s.userRepo.SetStatus(ctx, user.ID, status); err != nil {
		return err
	}

	log.Info().
		Int64("user_id", user.ID).
		Str("status", status).
		Msg("Account status changed")
	return nil
}

// GrantPromoOffer issues a one-shot personal discount to a user. A zero
// validFor leaves the offer open-ended.
func (s *AccountService) GrantPromoOffer(ctx context.Context, telegramID int64, discountPercent int, validFor time.Duration) (*model.PromoOffer, error) {
	if discountPercent < 1 || discountPercent > 100 {
		return nil, fmt.Errorf("discount percent %d out of range", discountPercent)
	}

	user, err := s.userRepo.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}

	offer, err := s.userRepo.CreatePromoOffer(ctx, user.ID, discountPercent, validFor)
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("user_id", user.ID).
		Int("discount_percent", discountPercent).
		Msg("Promo offer granted")
	return offer, nil
}
