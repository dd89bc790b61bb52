package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"telegram-vpn-bot/internal/model"
)

const userColumns = `
	id, telegram_id, username, full_name, language, balance_kopeks, status,
	remnawave_uuid, promo_group_id, has_had_paid_subscription,
	restriction_subscription, restriction_reason, created_at, updated_at`

// UserRepository handles user data persistence.
type UserRepository struct {
	db DB
}

// NewUserRepository creates a new UserRepository instance.
func NewUserRepository(db DB) *UserRepository {
	return &UserRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *UserRepository) WithTx(tx pgx.Tx) *UserRepository {
	return &UserRepository{db: tx}
}

func scanUser(row pgx.Row) (*model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.TelegramID,
		&user.Username,
		&user.FullName,
		&user.Language,
		&user.BalanceKopeks,
		&user.Status,
		&user.RemnawaveUUID,
		&user.PromoGroupID,
		&user.HasHadPaidSubscription,
		&user.RestrictionSubscription,
		&user.RestrictionReason,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Create creates a new user with a zero balance.
func (r *UserRepository) Create(ctx context.Context, telegramID int64, username, fullName string) (*model.User, error) {
	const query = `
		INSERT INTO users (telegram_id, username, full_name, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING` + userColumns

	user, err := scanUser(r.db.QueryRow(ctx, query, telegramID, username, fullName))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetByID retrieves a user by internal ID.
// Returns ErrUserNotFound if the user does not exist.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	const query = `SELECT` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetByTelegramID retrieves a user by their Telegram ID.
// Returns ErrUserNotFound if the user does not exist.
func (r *UserRepository) GetByTelegramID(ctx context.Context, telegramID int64) (*model.User, error) {
	const query = `SELECT` + userColumns + ` FROM users WHERE telegram_id = $1`

	user, err := scanUser(r.db.QueryRow(ctx, query, telegramID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetOrCreate retrieves a user by Telegram ID, creating one if it doesn't
// exist. The boolean result reports whether a new user was created.
func (r *UserRepository) GetOrCreate(ctx context.Context, telegramID int64, username, fullName string) (*model.User, bool, error) {
	user, err := r.GetByTelegramID(ctx, telegramID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, false, err
	}

	user, err = r.Create(ctx, telegramID, username, fullName)
	if err != nil {
		// Another request might have created the user concurrently
		if isUniqueViolation(err) {
			user, err = r.GetByTelegramID(ctx, telegramID)
			if err != nil {
				return nil, false, err
			}
			return user, false, nil
		}
		return nil, false, err
	}

	return user, true, nil
}

// AddBalance adjusts a user's balance by the given amount in kopeks. The
// amount can be negative. Returns the updated user.
func (r *UserRepository) AddBalance(ctx context.Context, userID int64, amountKopeks int64) (*model.User, error) {
	const query = `
		UPDATE users
		SET balance_kopeks = balance_kopeks + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING` + userColumns

	user, err := scanUser(r.db.QueryRow(ctx, query, userID, amountKopeks))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	return user, nil
}

// DeductBalance subtracts amountKopeks from the user's balance, failing
// without mutation when the balance would go negative.
func (r *UserRepository) DeductBalance(ctx context.Context, userID int64, amountKopeks int64) (*model.User, error) {
	const query = `
		UPDATE users
		SET balance_kopeks = balance_kopeks - $2, updated_at = NOW()
		WHERE id = $1 AND balance_kopeks >= $2
		RETURNING` + userColumns

	user, err := scanUser(r.db.QueryRow(ctx, query, userID, amountKopeks))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetByID(ctx, userID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("failed to deduct balance: %w", err)
	}
	return user, nil
}

// SetPanelUUID stores the legacy panel identity on the user row. Standard
// subscriptions created before tariffs keep their identity here.
func (r *UserRepository) SetPanelUUID(ctx context.Context, userID int64, panelUUID *string) error {
	const query = `
		UPDATE users
		SET remnawave_uuid = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, userID, panelUUID)
	if err != nil {
		return fmt.Errorf("failed to set panel uuid: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// MarkHasHadPaid flags the user as having completed at least one paid
// purchase.
func (r *UserRepository) MarkHasHadPaid(ctx context.Context, userID int64) error {
	const query = `
		UPDATE users
		SET has_had_paid_subscription = TRUE, updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to mark user paid: %w", err)
	}
	return nil
}

// UpdateProfile refreshes the username and full name from Telegram.
func (r *UserRepository) UpdateProfile(ctx context.Context, userID int64, username, fullName string) error {
	const query = `
		UPDATE users
		SET username = $2, full_name = $3, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, userID, username, fullName)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetStatus overwrites the account status.
func (r *UserRepository) SetStatus(ctx context.Context, userID int64, status string) error {
	const query = `
		UPDATE users
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, userID, status)
	if err != nil {
		return fmt.Errorf("failed to set user status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetRestriction toggles the purchase restriction on a user. An empty
// reason clears the stored one.
func (r *UserRepository) SetRestriction(ctx context.Context, userID int64, restricted bool, reason string) error {
	const query = `
		UPDATE users
		SET restriction_subscription = $2,
		    restriction_reason = NULLIF($3, ''),
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, userID, restricted, reason)
	if err != nil {
		return fmt.Errorf("failed to set restriction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreatePromoOffer issues a one-shot personal discount. A zero validFor
// leaves the offer without an expiry.
func (r *UserRepository) CreatePromoOffer(ctx context.Context, userID int64, discountPercent int, validFor time.Duration) (*model.PromoOffer, error) {
	const query = `
		INSERT INTO promo_offers (user_id, discount_percent, expires_at, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, user_id, discount_percent, used, expires_at, created_at
	`

	var expiresAt *time.Time
	if validFor > 0 {
		t := time.Now().UTC().Add(validFor)
		expiresAt = &t
	}

	var offer model.PromoOffer
	err := r.db.QueryRow(ctx, query, userID, discountPercent, expiresAt).Scan(
		&offer.ID, &offer.UserID, &offer.DiscountPercent,
		&offer.Used, &offer.ExpiresAt, &offer.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create promo offer: %w", err)
	}
	return &offer, nil
}

// GetActivePromoOffer returns the newest unused, unexpired offer for the
// user, or nil when there is none.
func (r *UserRepository) GetActivePromoOffer(ctx context.Context, userID int64) (*model.PromoOffer, error) {
	const query = `
		SELECT id, user_id, discount_percent, used, expires_at, created_at
		FROM promo_offers
		WHERE user_id = $1 AND NOT used
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY created_at DESC
		LIMIT 1
	`

	var offer model.PromoOffer
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&offer.ID, &offer.UserID, &offer.DiscountPercent,
		&offer.Used, &offer.ExpiresAt, &offer.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get promo offer: %w", err)
	}
	return &offer, nil
}

// ConsumePromoOffer burns an offer. Fails with ErrPromoOfferNotFound when
// the offer is gone or was already used, so a purchase cannot double-spend
// it.
func (r *UserRepository) ConsumePromoOffer(ctx context.Context, offerID int64) error {
	const query = `
		UPDATE promo_offers
		SET used = TRUE
		WHERE id = $1 AND NOT used
	`

	result, err := r.db.Exec(ctx, query, offerID)
	if err != nil {
		return fmt.Errorf("failed to consume promo offer: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrPromoOfferNotFound
	}
	return nil
}

// GetPromoGroup retrieves the user's promo group, or nil when the user has
// none assigned.
func (r *UserRepository) GetPromoGroup(ctx context.Context, userID int64) (*model.PromoGroup, error) {
	const query = `
		SELECT pg.id, pg.name, pg.period_discount_percent,
		       pg.traffic_discount_percent, pg.device_discount_percent
		FROM promo_groups pg
		JOIN users u ON u.promo_group_id = pg.id
		WHERE u.id = $1
	`

	var group model.PromoGroup
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&group.ID,
		&group.Name,
		&group.PeriodDiscountPercent,
		&group.TrafficDiscountPercent,
		&group.DeviceDiscountPercent,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get promo group: %w", err)
	}
	return &group, nil
}
