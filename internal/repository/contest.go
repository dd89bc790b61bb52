package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"telegram-vpn-bot/internal/model"
)

const contestRoundColumns = `
	id, game_type, prize_type, prize_value, payload, max_winners,
	winners_count, created_at`

// ContestRepository handles contest rounds and attempts.
type ContestRepository struct {
	db DB
}

// NewContestRepository creates a new ContestRepository instance.
func NewContestRepository(db DB) *ContestRepository {
	return &ContestRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *ContestRepository) WithTx(tx pgx.Tx) *ContestRepository {
	return &ContestRepository{db: tx}
}

func scanRound(row pgx.Row) (*model.ContestRound, error) {
	var round model.ContestRound
	err := row.Scan(
		&round.ID,
		&round.GameType,
		&round.PrizeType,
		&round.PrizeValue,
		&round.Payload,
		&round.MaxWinners,
		&round.WinnersCount,
		&round.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &round, nil
}

// CreateRound opens a new contest round.
func (r *ContestRepository) CreateRound(ctx context.Context, round model.ContestRound) (*model.ContestRound, error) {
	const query = `
		INSERT INTO contest_rounds (game_type, prize_type, prize_value, payload, max_winners, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING` + contestRoundColumns

	created, err := scanRound(r.db.QueryRow(ctx, query,
		round.GameType, round.PrizeType, round.PrizeValue, round.Payload, round.MaxWinners))
	if err != nil {
		return nil, fmt.Errorf("failed to create contest round: %w", err)
	}
	return created, nil
}

// GetRound retrieves a round by ID.
func (r *ContestRepository) GetRound(ctx context.Context, roundID int64) (*model.ContestRound, error) {
	const query = `SELECT` + contestRoundColumns + ` FROM contest_rounds WHERE id = $1`

	round, err := scanRound(r.db.QueryRow(ctx, query, roundID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoundNotFound
		}
		return nil, fmt.Errorf("failed to get contest round: %w", err)
	}
	return round, nil
}

// GetRoundForUpdate retrieves a round with a row lock. Must run inside a
// transaction; the lock serializes winner slot claims.
func (r *ContestRepository) GetRoundForUpdate(ctx context.Context, roundID int64) (*model.ContestRound, error) {
	const query = `SELECT` + contestRoundColumns + ` FROM contest_rounds WHERE id = $1 FOR UPDATE`

	round, err := scanRound(r.db.QueryRow(ctx, query, roundID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoundNotFound
		}
		return nil, fmt.Errorf("failed to lock contest round: %w", err)
	}
	return round, nil
}

// IncrementWinners claims one winner slot on the round. Returns false when
// all slots are taken.
func (r *ContestRepository) IncrementWinners(ctx context.Context, roundID int64) (bool, error) {
	const query = `
		UPDATE contest_rounds
		SET winners_count = winners_count + 1
		WHERE id = $1 AND winners_count < max_winners
	`

	result, err := r.db.Exec(ctx, query, roundID)
	if err != nil {
		return false, fmt.Errorf("failed to claim winner slot: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// CreateAttempt records a user's attempt in a round. Returns
// ErrAttemptExists when the user already attempted this round.
func (r *ContestRepository) CreateAttempt(ctx context.Context, roundID, userID int64, answer string, isWinner bool) (*model.ContestAttempt, error) {
	const query = `
		INSERT INTO contest_attempts (round_id, user_id, answer, is_winner, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, round_id, user_id, answer, is_winner, created_at
	`

	var attempt model.ContestAttempt
	err := r.db.QueryRow(ctx, query, roundID, userID, answer, isWinner).Scan(
		&attempt.ID,
		&attempt.RoundID,
		&attempt.UserID,
		&attempt.Answer,
		&attempt.IsWinner,
		&attempt.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAttemptExists
		}
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}
	return &attempt, nil
}

// HasAttempt reports whether the user already attempted the round.
func (r *ContestRepository) HasAttempt(ctx context.Context, roundID, userID int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM contest_attempts WHERE round_id = $1 AND user_id = $2)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, roundID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check attempt: %w", err)
	}
	return exists, nil
}

// ListAttempts returns all attempts of a round, oldest first.
func (r *ContestRepository) ListAttempts(ctx context.Context, roundID int64) ([]*model.ContestAttempt, error) {
	const query = `
		SELECT id, round_id, user_id, answer, is_winner, created_at
		FROM contest_attempts
		WHERE round_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.Query(ctx, query, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*model.ContestAttempt
	for rows.Next() {
		var attempt model.ContestAttempt
		err := rows.Scan(
			&attempt.ID,
			&attempt.RoundID,
			&attempt.UserID,
			&attempt.Answer,
			&attempt.IsWinner,
			&attempt.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, &attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}

	return attempts, nil
}
