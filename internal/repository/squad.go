package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"telegram-vpn-bot/internal/model"
)

// SquadRepository handles the server squad catalog and its member
// counters.
type SquadRepository struct {
	db DB
}

// NewSquadRepository creates a new SquadRepository instance.
func NewSquadRepository(db DB) *SquadRepository {
	return &SquadRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *SquadRepository) WithTx(tx pgx.Tx) *SquadRepository {
	return &SquadRepository{db: tx}
}

// Upsert inserts or refreshes a squad from the panel catalog.
func (r *SquadRepository) Upsert(ctx context.Context, squadUUID, name string, availableForTrial bool) (*model.ServerSquad, error) {
	const query = `
		INSERT INTO server_squads (squad_uuid, name, available_for_trial)
		VALUES ($1, $2, $3)
		ON CONFLICT (squad_uuid)
		DO UPDATE SET name = EXCLUDED.name, available_for_trial = EXCLUDED.available_for_trial
		RETURNING id, squad_uuid, name, available_for_trial, user_count
	`

	var squad model.ServerSquad
	err := r.db.QueryRow(ctx, query, squadUUID, name, availableForTrial).Scan(
		&squad.ID,
		&squad.SquadUUID,
		&squad.Name,
		&squad.AvailableForTrial,
		&squad.UserCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert squad: %w", err)
	}
	return &squad, nil
}

// GetByUUID retrieves a squad by its panel UUID.
func (r *SquadRepository) GetByUUID(ctx context.Context, squadUUID string) (*model.ServerSquad, error) {
	const query = `
		SELECT id, squad_uuid, name, available_for_trial, user_count
		FROM server_squads
		WHERE squad_uuid = $1
	`

	var squad model.ServerSquad
	err := r.db.QueryRow(ctx, query, squadUUID).Scan(
		&squad.ID,
		&squad.SquadUUID,
		&squad.Name,
		&squad.AvailableForTrial,
		&squad.UserCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSquadNotFound
		}
		return nil, fmt.Errorf("failed to get squad: %w", err)
	}
	return &squad, nil
}

// ListTrialSquads returns squads available for trial subscriptions.
func (r *SquadRepository) ListTrialSquads(ctx context.Context) ([]*model.ServerSquad, error) {
	const query = `
		SELECT id, squad_uuid, name, available_for_trial, user_count
		FROM server_squads
		WHERE available_for_trial
		ORDER BY user_count
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list trial squads: %w", err)
	}
	defer rows.Close()

	var squads []*model.ServerSquad
	for rows.Next() {
		var squad model.ServerSquad
		err := rows.Scan(
			&squad.ID,
			&squad.SquadUUID,
			&squad.Name,
			&squad.AvailableForTrial,
			&squad.UserCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan squad: %w", err)
		}
		squads = append(squads, &squad)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating squads: %w", err)
	}

	return squads, nil
}

// AddUserCount adjusts a squad's member counter by delta, clamping at
// zero.
func (r *SquadRepository) AddUserCount(ctx context.Context, squadUUID string, delta int64) error {
	const query = `
		UPDATE server_squads
		SET user_count = GREATEST(user_count + $2, 0)
		WHERE squad_uuid = $1
	`

	if _, err := r.db.Exec(ctx, query, squadUUID, delta); err != nil {
		return fmt.Errorf("failed to adjust squad user count: %w", err)
	}
	return nil
}
