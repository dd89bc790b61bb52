package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"telegram-vpn-bot/internal/contest"
	"telegram-vpn-bot/internal/model"
	"telegram-vpn-bot/internal/pkg/tariff"
	"telegram-vpn-bot/internal/repository"
)

var (
	ErrUnknownGameType  = errors.New("unknown contest game type")
	ErrAlreadyAttempted = errors.New("user already attempted this round")
)

// PlayResult is the outcome of one contest attempt.
type PlayResult struct {
	Attempt *contest.Outcome
	Won     bool
	// SlotsFull is set when the answer was right but all winner slots
	// were already claimed.
	SlotsFull bool
	Prize     *model.ContestRound
}

// ContestService runs contest rounds: one attempt per user, winner slots
// claimed under a row lock so the cap holds under concurrency.
type ContestService struct {
	pool        *pgxpool.Pool
	registry    *contest.Registry
	contestRepo *repository.ContestRepository
	userRepo    *repository.UserRepository
	subRepo     *repository.SubscriptionRepository
	txRepo      *repository.TransactionRepository
	panel       *PanelSyncService
}

// NewContestService creates a new ContestService instance.
func NewContestService(
	pool *pgxpool.Pool,
	registry *contest.Registry,
	contestRepo *repository.ContestRepository,
	userRepo *repository.UserRepository,
	subRepo *repository.SubscriptionRepository,
	txRepo *repository.TransactionRepository,
	panel *PanelSyncService,
) *ContestService {
	return &ContestService{
		pool:        pool,
		registry:    registry,
		contestRepo: contestRepo,
		userRepo:    userRepo,
		subRepo:     subRepo,
		txRepo:      txRepo,
		panel:       panel,
	}
}

// CreateRound validates the game type against the registry and opens a
// round.
func (s *ContestService) CreateRound(ctx context.Context, round model.ContestRound) (*model.ContestRound, error) {
	strategy, ok := s.registry.Get(round.GameType)
	if !ok {
		return nil, ErrUnknownGameType
	}
	if round.MaxWinners < 1 {
		return nil, fmt.Errorf("round needs at least one winner slot")
	}

	created, err := s.contestRepo.CreateRound(ctx, round)
	if err != nil {
		return nil, err
	}
	log.Info().
		Int64("round_id", created.ID).
		Str("game", strategy.Name()).
		Int("max_winners", created.MaxWinners).
		Msg("Contest round opened")
	return created, nil
}

// Round retrieves a round by ID.
func (s *ContestService) Round(ctx context.Context, roundID int64) (*model.ContestRound, error) {
	return s.contestRepo.GetRound(ctx, roundID)
}

// Play evaluates one attempt. The round row is locked for the duration of
// the claim so the winner cap cannot be exceeded; a correct answer after
// the last slot is recorded as a losing attempt. The prize is fulfilled
// after the attempt committed.
func (s *ContestService) Play(ctx context.Context, roundID, userID int64, answer string) (*PlayResult, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Status == model.UserStatusBlocked {
		return nil, ErrUserBlocked
	}

	round, err := s.contestRepo.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	strategy, ok := s.registry.Get(round.GameType)
	if !ok {
		return nil, ErrUnknownGameType
	}
	if err := strategy.ValidateAnswer(answer); err != nil {
		return nil, err
	}

	// Cheap pre-check; the unique constraint is the real guard
	if has, err := s.contestRepo.HasAttempt(ctx, roundID, userID); err != nil {
		return nil, err
	} else if has {
		return nil, ErrAlreadyAttempted
	}

	result := &PlayResult{Prize: round}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin contest attempt: %w", err)
	}
	defer tx.Rollback(ctx)

	contestRepo := s.contestRepo.WithTx(tx)

	locked, err := contestRepo.GetRoundForUpdate(ctx, roundID)
	if err != nil {
		return nil, err
	}

	outcome, err := strategy.Evaluate(ctx, locked.Payload, answer)
	if err != nil {
		return nil, err
	}
	result.Attempt = outcome

	won := outcome.Won
	if won {
		claimed, err := contestRepo.IncrementWinners(ctx, roundID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			won = false
			result.SlotsFull = true
		}
	}
	result.Won = won

	if _, err := contestRepo.CreateAttempt(ctx, roundID, userID, answer, won); err != nil {
		if errors.Is(err, repository.ErrAttemptExists) {
			return nil, ErrAlreadyAttempted
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit contest attempt: %w", err)
	}

	if won {
		if err := s.fulfillPrize(ctx, round, userID); err != nil {
			log.Error().Err(err).
				Int64("round_id", roundID).
				Int64("user_id", userID).
				Msg("Failed to fulfill contest prize")
		}
	}
	return result, nil
}

// fulfillPrize applies the round's prize to the winner's account.
// Subscription prizes push the new state to the panel best-effort.
func (s *ContestService) fulfillPrize(ctx context.Context, round *model.ContestRound, userID int64) error {
	switch round.PrizeType {
	case model.PrizeTypeDays:
		sub, err := s.subRepo.Get(ctx, userID, tariff.Standard.String())
		if err != nil {
			return err
		}
		extended, err := s.subRepo.Extend(ctx, sub.ID, int(round.PrizeValue))
		if err != nil {
			return err
		}
		s.pushPrize(ctx, userID, extended)

	case model.PrizeTypeTrafficGB:
		sub, err := s.subRepo.Get(ctx, userID, tariff.White.String())
		if err != nil {
			return err
		}
		topped, err := s.subRepo.AddPurchasedTraffic(ctx, sub.ID, int(round.PrizeValue))
		if err != nil {
			return err
		}
		s.pushPrize(ctx, userID, topped)

	case model.PrizeTypeBalance:
		if _, err := s.userRepo.AddBalance(ctx, userID, round.PrizeValue); err != nil {
			return err
		}
		desc := fmt.Sprintf("Contest prize, round %d", round.ID)
		if _, err := s.txRepo.Create(ctx, userID, round.PrizeValue, model.TxTypeContestPrize, &desc, nil); err != nil {
			return err
		}

	case model.PrizeTypeCustom:
		// Announced by the handler, fulfilled by an operator

	default:
		return fmt.Errorf("unknown prize type %q", round.PrizeType)
	}

	log.Info().
		Int64("round_id", round.ID).
		Int64("user_id", userID).
		Str("prize_type", round.PrizeType).
		Int64("prize_value", round.PrizeValue).
		Msg("Contest prize fulfilled")
	return nil
}

func (s *ContestService) pushPrize(ctx context.Context, userID int64, sub *model.Subscription) {
	if s.panel == nil {
		return
	}
	user, err := s.userRepo.GetByID(ctx, userID)
	if err == nil {
		err = s.panel.CreateOrUpdate(ctx, user, sub, false)
	}
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("Panel push failed after prize")
	}
}
