package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"telegram-vpn-bot/internal/checkout"
	"telegram-vpn-bot/internal/config"
	"telegram-vpn-bot/internal/model"
	"telegram-vpn-bot/internal/pkg/lock"
	"telegram-vpn-bot/internal/pkg/tariff"
	"telegram-vpn-bot/internal/repository"
)

var (
	ErrNoDraft            = errors.New("no active checkout draft")
	ErrInvalidToken       = errors.New("confirmation token invalid or already used")
	ErrPriceChanged       = errors.New("price changed, restart checkout")
	ErrPurchaseRestricted = errors.New("purchases are restricted for this account")
	ErrTrialUnavailable   = errors.New("trial is not available for this account")
	ErrUserBlocked        = errors.New("account is blocked")
)

// InsufficientFundsError reports how much is missing to complete a
// purchase. The draft is parked as a cart so a topup can finish it.
type InsufficientFundsError struct {
	MissingKopeks int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds, missing %d kopeks", e.MissingKopeks)
}

// Notifier delivers out-of-band messages. The bot layer implements it;
// a nil Notifier disables notifications.
type Notifier interface {
	NotifyAdmins(ctx context.Context, text string)
	NotifyUser(ctx context.Context, telegramID int64, text string)
}

// PurchaseResult describes a completed purchase.
type PurchaseResult struct {
	User         *model.User
	Subscription *model.Subscription
	Breakdown    *PriceBreakdown
	NewSub       bool
}

// PurchaseService drives the checkout wizard and commits purchases.
// Money movement and subscription changes happen in one database
// transaction; the panel push afterwards is best-effort.
type PurchaseService struct {
	pool      *pgxpool.Pool
	userRepo  *repository.UserRepository
	subRepo   *repository.SubscriptionRepository
	txRepo    *repository.TransactionRepository
	squadRepo *repository.SquadRepository
	store     *checkout.Store
	pricing   *PricingService
	panel     *PanelSyncService
	locks     *lock.UserLock
	notifier  Notifier
	cfg       *config.Config
}

// NewPurchaseService creates a new PurchaseService instance.
func NewPurchaseService(
	pool *pgxpool.Pool,
	userRepo *repository.UserRepository,
	subRepo *repository.SubscriptionRepository,
	txRepo *repository.TransactionRepository,
	squadRepo *repository.SquadRepository,
	store *checkout.Store,
	pricing *PricingService,
	panel *PanelSyncService,
	notifier Notifier,
	cfg *config.Config,
) *PurchaseService {
	return &PurchaseService{
		pool:      pool,
		userRepo:  userRepo,
		subRepo:   subRepo,
		txRepo:    txRepo,
		squadRepo: squadRepo,
		store:     store,
		pricing:   pricing,
		panel:     panel,
		locks:     lock.NewUserLock(),
		notifier:  notifier,
		cfg:       cfg,
	}
}

// StartDraft opens a fresh checkout draft, replacing any previous one.
// Traffic-billed tariffs skip the period step. In extend mode an existing
// period-billed subscription prefills the draft from its last paid period
// and current configuration and the wizard jumps straight to
// confirmation; without a usable subscription the flow falls back to the
// regular steps.
func (s *PurchaseService) StartDraft(ctx context.Context, userID int64, code tariff.Code, extend bool) (*checkout.Draft, error) {
	draft := &checkout.Draft{
		TariffCode: code.String(),
		Extend:     extend,
		Devices:    s.cfg.Pricing.DefaultDeviceLimit,
	}
	if code == tariff.White {
		draft.Step = checkout.StepTraffic
	} else {
		draft.Step = checkout.StepPeriod
	}

	if extend && code != tariff.White {
		sub, err := s.subRepo.Get(ctx, userID, code.String())
		if err != nil && !errors.Is(err, repository.ErrSubscriptionNotFound) {
			return nil, err
		}
		if sub != nil {
			s.prefillExtend(draft, sub)
		}
	}

	if err := s.store.SaveDraft(ctx, userID, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// prefillExtend copies the subscription's last paid period and current
// limits onto the draft and skips to confirmation. A value that fell out
// of the price tables since the last purchase keeps the regular flow.
func (s *PurchaseService) prefillExtend(draft *checkout.Draft, sub *model.Subscription) {
	if _, ok := s.cfg.Pricing.Periods[sub.LastPaidPeriodDays]; !ok {
		return
	}
	if sub.TrafficLimitGB > 0 {
		if _, ok := s.cfg.Pricing.TrafficPackages[sub.TrafficLimitGB]; !ok {
			return
		}
	}
	if sub.DeviceLimit < 1 || sub.DeviceLimit > s.cfg.Pricing.MaxDevices {
		return
	}

	draft.PeriodDays = sub.LastPaidPeriodDays
	draft.TrafficGB = sub.TrafficLimitGB
	draft.Devices = sub.DeviceLimit
	draft.ModemEnabled = sub.ModemEnabled
	draft.Step = checkout.StepConfirm
}

func (s *PurchaseService) draft(ctx context.Context, userID int64) (*checkout.Draft, error) {
	draft, err := s.store.GetDraft(ctx, userID)
	if err != nil {
		if errors.Is(err, checkout.ErrNotFound) {
			return nil, ErrNoDraft
		}
		return nil, err
	}
	return draft, nil
}

// SelectPeriod records the chosen period and advances the wizard.
func (s *PurchaseService) SelectPeriod(ctx context.Context, userID int64, days int) (*checkout.Draft, error) {
	draft, err := s.draft(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, ok := s.cfg.Pricing.Periods[days]; !ok {
		return nil, ErrUnknownPeriod
	}
	draft.PeriodDays = days
	draft.Step = checkout.StepTraffic
	if err := s.store.SaveDraft(ctx, userID, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// SelectTraffic records the chosen traffic package and advances the
// wizard to devices or, when device selection is off or the tariff is
// traffic-billed, straight to confirmation.
func (s *PurchaseService) SelectTraffic(ctx context.Context, userID int64, gb int) (*checkout.Draft, error) {
	draft, err := s.draft(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, ok := s.cfg.Pricing.TrafficPackages[gb]; !ok {
		return nil, ErrUnknownTrafficPackage
	}
	draft.TrafficGB = gb
	if draft.TariffCode != tariff.White.String() && s.cfg.Pricing.DevicesSelectionEnabled {
		draft.Step = checkout.StepDevices
	} else {
		draft.Step = checkout.StepConfirm
	}
	if err := s.store.SaveDraft(ctx, userID, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// SelectDevices records the chosen device count. The modem slot is
// toggled separately and survives reselection.
func (s *PurchaseService) SelectDevices(ctx context.Context, userID int64, devices int) (*checkout.Draft, error) {
	draft, err := s.draft(ctx, userID)
	if err != nil {
		return nil, err
	}
	if devices < 1 || devices > s.cfg.Pricing.MaxDevices {
		return nil, ErrInvalidDeviceCount
	}
	draft.Devices = devices
	draft.Step = checkout.StepConfirm
	if err := s.store.SaveDraft(ctx, userID, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// StepBack moves the wizard one step back along the tariff's flow. The
// first step of a flow stays put.
func (s *PurchaseService) StepBack(ctx context.Context, userID int64) (*checkout.Draft, error) {
	draft, err := s.draft(ctx, userID)
	if err != nil {
		return nil, err
	}

	switch draft.Step {
	case checkout.StepConfirm:
		if tariff.Code(draft.TariffCode) == tariff.Standard && s.cfg.Pricing.DevicesSelectionEnabled {
			draft.Step = checkout.StepDevices
		} else {
			draft.Step = checkout.StepTraffic
		}
	case checkout.StepDevices:
		draft.Step = checkout.StepTraffic
	case checkout.StepTraffic:
		if tariff.Code(draft.TariffCode) == tariff.Standard {
			draft.Step = checkout.StepPeriod
		}
	}

	if err := s.store.SaveDraft(ctx, userID, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// ToggleModem flips the modem slot on the draft, keeping the wizard on
// the device step.
func (s *PurchaseService) ToggleModem(ctx context.Context, userID int64) (*checkout.Draft, error) {
	draft, err := s.draft(ctx, userID)
	if err != nil {
		return nil, err
	}
	draft.ModemEnabled = !draft.ModemEnabled
	draft.Step = checkout.StepDevices
	if err := s.store.SaveDraft(ctx, userID, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// Quote prices the current draft, stores the quoted total on it, and
// issues a one-shot confirmation token for the confirm button.
func (s *PurchaseService) Quote(ctx context.Context, userID int64) (*PriceBreakdown, string, error) {
	draft, err := s.draft(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	promo, err := s.userRepo.GetPromoGroup(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	// A personal offer rides on the draft until the purchase burns it
	offer, err := s.userRepo.GetActivePromoOffer(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if offer != nil {
		draft.PromoOfferID = offer.ID
		draft.PromoOfferPercent = offer.DiscountPercent
	} else {
		draft.PromoOfferID = 0
		draft.PromoOfferPercent = 0
	}

	breakdown, err := s.pricing.Price(draft, promo)
	if err != nil {
		return nil, "", err
	}

	draft.TotalKopeks = breakdown.TotalKopeks
	draft.Step = checkout.StepConfirm
	if err := s.store.SaveDraft(ctx, userID, draft); err != nil {
		return nil, "", err
	}

	token, err := s.store.IssueConfirmToken(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	return breakdown, token, nil
}

// Confirm finishes the checkout: consumes the one-shot token, reprices
// the draft server-side, and commits the purchase. On insufficient
// balance the draft is parked as a cart and nothing is charged. A quoted
// price that drifted beyond tolerance aborts with ErrPriceChanged.
func (s *PurchaseService) Confirm(ctx context.Context, userID int64, token string) (*PurchaseResult, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Status == model.UserStatusBlocked {
		return nil, ErrUserBlocked
	}
	if user.RestrictionSubscription {
		return nil, ErrPurchaseRestricted
	}

	var result *PurchaseResult
	err = s.locks.WithLock(userID, func() error {
		ok, err := s.store.ConsumeConfirmToken(ctx, userID, token)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidToken
		}

		draft, err := s.draft(ctx, userID)
		if err != nil {
			return err
		}

		promo, err := s.userRepo.GetPromoGroup(ctx, userID)
		if err != nil {
			return err
		}
		breakdown, err := s.pricing.Price(draft, promo)
		if err != nil {
			return err
		}
		if draft.TotalKopeks > 0 && !WithinTolerance(draft.TotalKopeks, breakdown.TotalKopeks) {
			log.Warn().
				Int64("user_id", userID).
				Int64("quoted", draft.TotalKopeks).
				Int64("actual", breakdown.TotalKopeks).
				Msg("Quoted price drifted beyond tolerance")
			return ErrPriceChanged
		}

		if user.BalanceKopeks < breakdown.TotalKopeks {
			draft.TotalKopeks = breakdown.TotalKopeks
			if err := s.store.SaveCart(ctx, userID, draft); err != nil {
				log.Error().Err(err).Int64("user_id", userID).Msg("Failed to park checkout cart")
			}
			return &InsufficientFundsError{MissingKopeks: breakdown.TotalKopeks - user.BalanceKopeks}
		}

		result, err = s.commit(ctx, user, draft, breakdown)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.DeleteDraft(ctx, userID); err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to delete checkout draft")
	}
	if err := s.store.DeleteCart(ctx, userID); err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to delete checkout cart")
	}

	s.afterPurchase(ctx, result)
	return result, nil
}

// commit applies the purchase in a single transaction: balance deduction,
// subscription merge, squad counters, and ledger record all stand or fall
// together.
func (s *PurchaseService) commit(ctx context.Context, user *model.User, draft *checkout.Draft, breakdown *PriceBreakdown) (*PurchaseResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin purchase: %w", err)
	}
	defer tx.Rollback(ctx)

	userRepo := s.userRepo.WithTx(tx)
	subRepo := s.subRepo.WithTx(tx)
	txRepo := s.txRepo.WithTx(tx)
	squadRepo := s.squadRepo.WithTx(tx)

	updatedUser, err := userRepo.DeductBalance(ctx, user.ID, breakdown.TotalKopeks)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			return nil, &InsufficientFundsError{MissingKopeks: breakdown.TotalKopeks - user.BalanceKopeks}
		}
		return nil, err
	}

	sub, newSub, err := s.applyDraft(ctx, subRepo, squadRepo, user, draft, breakdown)
	if err != nil {
		return nil, err
	}

	// The offer burns with the purchase; a failed commit leaves it intact
	if draft.PromoOfferID != 0 {
		if err := userRepo.ConsumePromoOffer(ctx, draft.PromoOfferID); err != nil {
			if errors.Is(err, repository.ErrPromoOfferNotFound) {
				return nil, ErrPriceChanged
			}
			return nil, err
		}
	}

	desc := fmt.Sprintf("Subscription purchase: %s, %d GB", draft.TariffCode, draft.TrafficGB)
	if draft.PeriodDays > 0 {
		desc = fmt.Sprintf("Subscription purchase: %s, %d days, %d GB", draft.TariffCode, draft.PeriodDays, draft.TrafficGB)
	}
	if _, err := txRepo.Create(ctx, user.ID, -breakdown.TotalKopeks, model.TxTypeSubscriptionPayment, &desc, nil); err != nil {
		return nil, err
	}

	if err := userRepo.MarkHasHadPaid(ctx, user.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit purchase: %w", err)
	}

	log.Info().
		Int64("user_id", user.ID).
		Str("tariff", draft.TariffCode).
		Int64("amount_kopeks", breakdown.TotalKopeks).
		Bool("new_subscription", newSub).
		Msg("Purchase committed")

	return &PurchaseResult{
		User:         updatedUser,
		Subscription: sub,
		Breakdown:    breakdown,
		NewSub:       newSub,
	}, nil
}

// applyDraft merges the draft into the user's subscription for the tariff:
// traffic-billed tariffs accumulate purchased gigabytes on one open-ended
// row, period-billed tariffs extend or activate and overwrite limits.
func (s *PurchaseService) applyDraft(ctx context.Context, subRepo *repository.SubscriptionRepository, squadRepo *repository.SquadRepository, user *model.User, draft *checkout.Draft, breakdown *PriceBreakdown) (*model.Subscription, bool, error) {
	code := tariff.Code(draft.TariffCode)
	squads := s.cfg.Tariffs.Squads(code.String())

	existing, err := subRepo.Get(ctx, user.ID, code.String())
	if err != nil && !errors.Is(err, repository.ErrSubscriptionNotFound) {
		return nil, false, err
	}

	if code == tariff.White {
		if existing == nil {
			created, err := subRepo.Create(ctx, repository.CreateParams{
				UserID:          user.ID,
				TariffCode:      code.String(),
				Status:          model.SubscriptionStatusActive,
				StartDate:       time.Now().UTC(),
				EndDate:         model.WhiteEndDate,
				DeviceLimit:     s.cfg.Pricing.DefaultDeviceLimit,
				ConnectedSquads: squads,
			})
			if err != nil {
				return nil, false, err
			}
			sub, err := subRepo.AddPurchasedTraffic(ctx, created.ID, draft.TrafficGB)
			if err != nil {
				return nil, false, err
			}
			if err := bumpSquads(ctx, squadRepo, squads, 1); err != nil {
				return nil, false, err
			}
			return sub, true, nil
		}

		wasActive := existing.IsActive()
		sub, err := subRepo.AddPurchasedTraffic(ctx, existing.ID, draft.TrafficGB)
		if err != nil {
			return nil, false, err
		}
		if !wasActive {
			if err := bumpSquads(ctx, squadRepo, sub.ConnectedSquads, 1); err != nil {
				return nil, false, err
			}
		}
		return sub, false, nil
	}

	days := draft.PeriodDays

	if existing == nil {
		now := time.Now().UTC()
		sub, err := subRepo.Create(ctx, repository.CreateParams{
			UserID:          user.ID,
			TariffCode:      code.String(),
			Status:          model.SubscriptionStatusActive,
			StartDate:       now,
			EndDate:         now.AddDate(0, 0, days),
			TrafficLimitGB:  draft.TrafficGB,
			DeviceLimit:     draft.Devices,
			ModemEnabled:    draft.ModemEnabled,
			ConnectedSquads: squads,
		})
		if err != nil {
			return nil, false, err
		}
		if err := subRepo.SetLastPaidPeriod(ctx, sub.ID, days); err != nil {
			return nil, false, err
		}
		sub.LastPaidPeriodDays = days
		if err := bumpSquads(ctx, squadRepo, squads, 1); err != nil {
			return nil, false, err
		}
		return sub, true, nil
	}

	wasActive := existing.IsActive()

	var sub *model.Subscription
	switch {
	case existing.Status == model.SubscriptionStatusPending:
		sub, err = subRepo.ActivatePending(ctx, existing.ID, days)
	case existing.IsTrial:
		if s.cfg.Purchase.TrialAddRemainingDaysToPaid {
			// Extend counts from the trial's end date, so the unused
			// trial days carry over as-is
		} else if left := daysLeft(existing.EndDate); left > 0 {
			days -= left
			if days < 0 {
				days = 0
			}
		}
		sub, err = subRepo.Extend(ctx, existing.ID, days)
		if err == nil {
			method := "balance"
			if convErr := subRepo.CreateConversion(ctx, model.SubscriptionConversion{
				UserID:                   user.ID,
				TrialDurationDays:        daysLeft(existing.EndDate),
				PaymentMethod:            method,
				FirstPaymentAmountKopeks: breakdown.TotalKopeks,
				FirstPaidPeriodDays:      draft.PeriodDays,
			}); convErr != nil {
				log.Error().Err(convErr).Int64("user_id", user.ID).Msg("Failed to record trial conversion")
			}
		}
	default:
		sub, err = subRepo.Extend(ctx, existing.ID, days)
	}
	if err != nil {
		return nil, false, err
	}

	// Limits are overwritten, not stacked
	if err := subRepo.SetTrafficLimit(ctx, sub.ID, draft.TrafficGB); err != nil {
		return nil, false, err
	}
	if err := subRepo.SetDeviceLimit(ctx, sub.ID, draft.Devices, draft.ModemEnabled); err != nil {
		return nil, false, err
	}
	if err := subRepo.SetLastPaidPeriod(ctx, sub.ID, draft.PeriodDays); err != nil {
		return nil, false, err
	}
	sub.TrafficLimitGB = draft.TrafficGB
	sub.DeviceLimit = draft.Devices
	sub.ModemEnabled = draft.ModemEnabled
	sub.LastPaidPeriodDays = draft.PeriodDays

	if !wasActive {
		if err := bumpSquads(ctx, squadRepo, sub.ConnectedSquads, 1); err != nil {
			return nil, false, err
		}
	}
	return sub, false, nil
}

func bumpSquads(ctx context.Context, squadRepo *repository.SquadRepository, squads []string, delta int64) error {
	for _, uuid := range squads {
		if err := squadRepo.AddUserCount(ctx, uuid, delta); err != nil {
			return err
		}
	}
	return nil
}

func daysLeft(end time.Time) int {
	left := int(time.Until(end).Hours() / 24)
	if left < 0 {
		return 0
	}
	return left
}

// afterPurchase runs the best-effort tail of a purchase: panel push with
// one retry (without the traffic reset, in case the reset action is what
// failed) and the admin notification.
func (s *PurchaseService) afterPurchase(ctx context.Context, result *PurchaseResult) {
	if result == nil {
		return
	}

	if s.panel != nil {
		reset := s.cfg.Purchase.ResetTrafficOnPayment
		err := s.panel.CreateOrUpdate(ctx, result.User, result.Subscription, reset)
		if err != nil && reset {
			log.Warn().Err(err).Int64("user_id", result.User.ID).Msg("Panel push failed, retrying without traffic reset")
			err = s.panel.CreateOrUpdate(ctx, result.User, result.Subscription, false)
		}
		if err != nil {
			log.Error().Err(err).Int64("user_id", result.User.ID).Msg("Panel push failed after purchase")
		}
	}

	if s.notifier != nil {
		s.notifier.NotifyAdmins(ctx, fmt.Sprintf(
			"Purchase: user %d, tariff %s, %.2f RUB",
			result.User.TelegramID,
			result.Subscription.TariffCode,
			float64(result.Breakdown.TotalKopeks)/100,
		))
	}
}

// CancelDraft discards the current draft, keeping any parked cart.
func (s *PurchaseService) CancelDraft(ctx context.Context, userID int64) error {
	return s.store.DeleteDraft(ctx, userID)
}

// Subscriptions lists the user's subscriptions across tariffs.
func (s *PurchaseService) Subscriptions(ctx context.Context, userID int64) ([]*model.Subscription, error) {
	return s.subRepo.GetAll(ctx, userID)
}

// GrantTrial issues the trial subscription on a randomly chosen trial
// squad. Available once, and only before any paid subscription.
func (s *PurchaseService) GrantTrial(ctx context.Context, userID int64) (*model.Subscription, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Status == model.UserStatusBlocked {
		return nil, ErrUserBlocked
	}
	if user.HasHadPaidSubscription || user.RestrictionSubscription {
		return nil, ErrTrialUnavailable
	}

	existing, err := s.subRepo.Get(ctx, userID, tariff.Standard.String())
	if err != nil && !errors.Is(err, repository.ErrSubscriptionNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, ErrTrialUnavailable
	}

	squads := s.cfg.Tariffs.Standard.Squads
	trialSquads, err := s.squadRepo.ListTrialSquads(ctx)
	if err != nil {
		return nil, err
	}
	if len(trialSquads) > 0 {
		squads = []string{trialSquads[rand.Intn(len(trialSquads))].SquadUUID}
	}

	now := time.Now().UTC()
	sub, err := s.subRepo.Create(ctx, repository.CreateParams{
		UserID:          userID,
		TariffCode:      tariff.Standard.String(),
		Status:          model.SubscriptionStatusTrial,
		IsTrial:         true,
		StartDate:       now,
		EndDate:         now.AddDate(0, 0, s.cfg.Trial.DurationDays),
		TrafficLimitGB:  s.cfg.Trial.TrafficLimitGB,
		DeviceLimit:     s.cfg.Trial.DeviceLimit,
		ConnectedSquads: squads,
	})
	if err != nil {
		return nil, err
	}
	if err := bumpSquads(ctx, s.squadRepo, squads, 1); err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("Failed to bump trial squad counter")
	}

	if s.panel != nil {
		if err := s.panel.CreateOrUpdate(ctx, user, sub, false); err != nil {
			log.Error().Err(err).Int64("user_id", userID).Msg("Panel push failed after trial grant")
		}
	}

	log.Info().Int64("user_id", userID).Msg("Trial subscription granted")
	return sub, nil
}
