package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"telegram-vpn-bot/internal/checkout"
	"telegram-vpn-bot/internal/model"
	"telegram-vpn-bot/internal/pkg/tariff"
)

// Topup credits a deposit and, when enabled, finishes a parked
// traffic-package cart the balance now covers. Deposits and the ledger
// record commit together.
func (s *PurchaseService) Topup(ctx context.Context, userID int64, amountKopeks int64, paymentMethod string) (*model.User, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin topup: %w", err)
	}
	defer tx.Rollback(ctx)

	user, err := s.userRepo.WithTx(tx).AddBalance(ctx, userID, amountKopeks)
	if err != nil {
		return nil, err
	}
	if _, err := s.txRepo.WithTx(tx).Create(ctx, userID, amountKopeks, model.TxTypeDeposit, nil, &paymentMethod); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit topup: %w", err)
	}

	log.Info().
		Int64("user_id", userID).
		Int64("amount_kopeks", amountKopeks).
		Str("method", paymentMethod).
		Msg("Balance topped up")

	if s.cfg.Purchase.AutoPurchaseAfterTopup {
		s.tryAutoPurchase(ctx, user)
	}
	return user, nil
}

// tryAutoPurchase completes a parked cart after a topup. Only
// traffic-package carts qualify; anything else stays parked for the
// regular checkout. A still-short balance leaves both the cart and the
// balance untouched.
func (s *PurchaseService) tryAutoPurchase(ctx context.Context, user *model.User) {
	cart, err := s.store.GetCart(ctx, user.ID)
	if err != nil {
		if !errors.Is(err, checkout.ErrNotFound) {
			log.Error().Err(err).Int64("user_id", user.ID).Msg("Failed to load parked cart")
		}
		return
	}
	if cart.TariffCode != tariff.White.String() {
		return
	}
	if user.Status == model.UserStatusBlocked || user.RestrictionSubscription {
		return
	}

	var result *PurchaseResult
	err = s.locks.WithLock(user.ID, func() error {
		promo, err := s.userRepo.GetPromoGroup(ctx, user.ID)
		if err != nil {
			return err
		}
		breakdown, err := s.pricing.Price(cart, promo)
		if err != nil {
			return err
		}
		if user.BalanceKopeks < breakdown.TotalKopeks {
			return &InsufficientFundsError{MissingKopeks: breakdown.TotalKopeks - user.BalanceKopeks}
		}

		result, err = s.commit(ctx, user, cart, breakdown)
		return err
	})
	if err != nil {
		var short *InsufficientFundsError
		if errors.As(err, &short) {
			log.Info().
				Int64("user_id", user.ID).
				Int64("missing_kopeks", short.MissingKopeks).
				Msg("Cart still unaffordable after topup, leaving it parked")
			return
		}
		log.Error().Err(err).Int64("user_id", user.ID).Msg("Auto-purchase failed")
		return
	}

	if err := s.store.DeleteCart(ctx, user.ID); err != nil {
		log.Warn().Err(err).Int64("user_id", user.ID).Msg("Failed to delete completed cart")
	}
	if err := s.store.DeleteDraft(ctx, user.ID); err != nil {
		log.Warn().Err(err).Int64("user_id", user.ID).Msg("Failed to delete checkout draft")
	}

	s.afterPurchase(ctx, result)
	if s.notifier != nil {
		s.notifier.NotifyUser(ctx, user.TelegramID, fmt.Sprintf(
			"Your parked order for %d GB was completed automatically after the topup.",
			result.Subscription.PurchasedTrafficGB,
		))
	}
}
