package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"telegram-vpn-bot/internal/model"
)

const subscriptionColumns = `
	id, user_id, tariff_code, status, is_trial, start_date, end_date,
	traffic_limit_gb, traffic_used_gb, purchased_traffic_gb, device_limit,
	modem_enabled, connected_squads, remnawave_uuid, remnawave_short_uuid,
	subscription_url, subscription_crypto_link, autopay_enabled,
	autopay_days_before, last_paid_period_days, created_at, updated_at`

// SubscriptionRepository handles subscription data persistence. Every
// operation is tariff-scoped: a user holds at most one subscription per
// tariff code.
type SubscriptionRepository struct {
	db DB
}

// NewSubscriptionRepository creates a new SubscriptionRepository instance.
func NewSubscriptionRepository(db DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *SubscriptionRepository) WithTx(tx pgx.Tx) *SubscriptionRepository {
	return &SubscriptionRepository{db: tx}
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var sub model.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.TariffCode,
		&sub.Status,
		&sub.IsTrial,
		&sub.StartDate,
		&sub.EndDate,
		&sub.TrafficLimitGB,
		&sub.TrafficUsedGB,
		&sub.PurchasedTrafficGB,
		&sub.DeviceLimit,
		&sub.ModemEnabled,
		&sub.ConnectedSquads,
		&sub.RemnawaveUUID,
		&sub.RemnawaveShortUUID,
		&sub.SubscriptionURL,
		&sub.SubscriptionCryptoLink,
		&sub.AutopayEnabled,
		&sub.AutopayDaysBefore,
		&sub.LastPaidPeriodDays,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepository) collect(rows pgx.Rows) ([]*model.Subscription, error) {
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

// Get retrieves the user's subscription for the given tariff, newest first
// when historical duplicates exist. Subscriptions past their end date are
// demoted to expired before being returned.
// Returns ErrSubscriptionNotFound when the user has none for the tariff.
func (r *SubscriptionRepository) Get(ctx context.Context, userID int64, tariffCode string) (*model.Subscription, error) {
	const query = `
		SELECT` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND tariff_code = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, userID, tariffCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	if (sub.Status == model.SubscriptionStatusActive || sub.Status == model.SubscriptionStatusTrial) &&
		sub.EndDate.Before(time.Now().UTC()) {
		if err := r.SetStatus(ctx, sub.ID, model.SubscriptionStatusExpired); err != nil {
			return nil, err
		}
		sub.Status = model.SubscriptionStatusExpired
	}

	return sub, nil
}

// GetAll retrieves all of a user's subscriptions across tariffs.
func (r *SubscriptionRepository) GetAll(ctx context.Context, userID int64) ([]*model.Subscription, error) {
	const query = `
		SELECT` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY tariff_code, created_at DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriptions: %w", err)
	}
	return r.collect(rows)
}

// GetByPanelUUID retrieves the subscription bound to the given panel user.
func (r *SubscriptionRepository) GetByPanelUUID(ctx context.Context, panelUUID string) (*model.Subscription, error) {
	const query = `
		SELECT` + subscriptionColumns + `
		FROM subscriptions
		WHERE remnawave_uuid = $1
	`

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, panelUUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription by panel uuid: %w", err)
	}
	return sub, nil
}

// CreateParams holds the fields for creating a subscription row.
type CreateParams struct {
	UserID          int64
	TariffCode      string
	Status          string
	IsTrial         bool
	StartDate       time.Time
	EndDate         time.Time
	TrafficLimitGB  int
	DeviceLimit     int
	ModemEnabled    bool
	ConnectedSquads []string
}

// Create inserts a new subscription row.
func (r *SubscriptionRepository) Create(ctx context.Context, p CreateParams) (*model.Subscription, error) {
	const query = `
		INSERT INTO subscriptions (
			user_id, tariff_code, status, is_trial, start_date, end_date,
			traffic_limit_gb, device_limit, modem_enabled, connected_squads,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING` + subscriptionColumns

	sub, err := scanSubscription(r.db.QueryRow(ctx, query,
		p.UserID, p.TariffCode, p.Status, p.IsTrial, p.StartDate, p.EndDate,
		p.TrafficLimitGB, p.DeviceLimit, p.ModemEnabled, p.ConnectedSquads,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

// CreatePending records a not-yet-paid subscription intent. When the user
// already holds an active or trial subscription for the tariff the call is
// a no-op returning the existing row; an inactive row is overwritten in
// place so its identity and history survive.
func (r *SubscriptionRepository) CreatePending(ctx context.Context, p CreateParams) (*model.Subscription, error) {
	existing, err := r.Get(ctx, p.UserID, p.TariffCode)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	if existing != nil {
		if existing.Status == model.SubscriptionStatusActive || existing.Status == model.SubscriptionStatusTrial {
			return existing, nil
		}

		const query = `
			UPDATE subscriptions
			SET status = $2, is_trial = $3, start_date = $4, end_date = $5,
			    traffic_limit_gb = $6, device_limit = $7, modem_enabled = $8,
			    connected_squads = $9, updated_at = NOW()
			WHERE id = $1
			RETURNING` + subscriptionColumns

		sub, err := scanSubscription(r.db.QueryRow(ctx, query,
			existing.ID, model.SubscriptionStatusPending, p.IsTrial,
			p.StartDate, p.EndDate, p.TrafficLimitGB, p.DeviceLimit,
			p.ModemEnabled, p.ConnectedSquads,
		))
		if err != nil {
			return nil, fmt.Errorf("failed to overwrite pending subscription: %w", err)
		}
		return sub, nil
	}

	p.Status = model.SubscriptionStatusPending
	return r.Create(ctx, p)
}

// ActivatePending promotes a pending subscription to active, extending for
// the given number of days from its start date or now, whichever is later.
func (r *SubscriptionRepository) ActivatePending(ctx context.Context, subscriptionID int64, days int) (*model.Subscription, error) {
	const query = `
		UPDATE subscriptions
		SET status = $2,
		    end_date = GREATEST(start_date, NOW()) + make_interval(days => $3),
		    updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING` + subscriptionColumns

	sub, err := scanSubscription(r.db.QueryRow(ctx, query,
		subscriptionID, model.SubscriptionStatusActive, days, model.SubscriptionStatusPending,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to activate pending subscription: %w", err)
	}
	return sub, nil
}

// EnsureSingle repairs historical duplicate rows for a (user, tariff)
// pair: the newest row is kept and the rest are deleted. Returns the kept
// row, or ErrSubscriptionNotFound when the user has none.
func (r *SubscriptionRepository) EnsureSingle(ctx context.Context, userID int64, tariffCode string) (*model.Subscription, error) {
	kept, err := r.Get(ctx, userID, tariffCode)
	if err != nil {
		return nil, err
	}

	const query = `
		DELETE FROM subscriptions
		WHERE user_id = $1 AND tariff_code = $2 AND id <> $3
	`

	result, err := r.db.Exec(ctx, query, userID, tariffCode, kept.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete duplicate subscriptions: %w", err)
	}
	if n := result.RowsAffected(); n > 0 {
		log.Warn().
			Int64("user_id", userID).
			Str("tariff", tariffCode).
			Int64("deleted", n).
			Msg("Removed duplicate subscription rows")
	}

	return kept, nil
}

// Extend pushes the end date forward by the given number of days, counting
// from the current end date or now when already expired, and marks the
// subscription active and paid.
func (r *SubscriptionRepository) Extend(ctx context.Context, subscriptionID int64, days int) (*model.Subscription, error) {
	const query = `
		UPDATE subscriptions
		SET end_date = GREATEST(end_date, NOW()) + make_interval(days => $2),
		    status = $3, is_trial = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING` + subscriptionColumns

	sub, err := scanSubscription(r.db.QueryRow(ctx, query,
		subscriptionID, days, model.SubscriptionStatusActive,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to extend subscription: %w", err)
	}
	return sub, nil
}

// AddPurchasedTraffic accumulates purchased traffic on a traffic-billed
// subscription.
func (r *SubscriptionRepository) AddPurchasedTraffic(ctx context.Context, subscriptionID int64, gb int) (*model.Subscription, error) {
	const query = `
		UPDATE subscriptions
		SET purchased_traffic_gb = purchased_traffic_gb + $2,
		    traffic_limit_gb = traffic_limit_gb + $2,
		    status = $3, is_trial = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING` + subscriptionColumns

	sub, err := scanSubscription(r.db.QueryRow(ctx, query,
		subscriptionID, gb, model.SubscriptionStatusActive,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to add purchased traffic: %w", err)
	}
	return sub, nil
}

// SetDeviceLimit overwrites the device limit.
func (r *SubscriptionRepository) SetDeviceLimit(ctx context.Context, subscriptionID int64, deviceLimit int, modemEnabled bool) error {
	const query = `
		UPDATE subscriptions
		SET device_limit = $2, modem_enabled = $3, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, subscriptionID, deviceLimit, modemEnabled)
	if err != nil {
		return fmt.Errorf("failed to set device limit: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SetTrafficLimit overwrites the traffic limit.
func (r *SubscriptionRepository) SetTrafficLimit(ctx context.Context, subscriptionID int64, gb int) error {
	const query = `
		UPDATE subscriptions
		SET traffic_limit_gb = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, subscriptionID, gb)
	if err != nil {
		return fmt.Errorf("failed to set traffic limit: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SetLastPaidPeriod remembers the period length of the latest paid
// purchase, used to prefill the extend flow.
func (r *SubscriptionRepository) SetLastPaidPeriod(ctx context.Context, subscriptionID int64, days int) error {
	const query = `
		UPDATE subscriptions
		SET last_paid_period_days = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, subscriptionID, days)
	if err != nil {
		return fmt.Errorf("failed to set last paid period: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// ApplyPanelState folds the panel's mutable fields into the local row
// during reconciliation: expiry, traffic limit, device limit and the
// connected squads.
func (r *SubscriptionRepository) ApplyPanelState(ctx context.Context, subscriptionID int64, endDate time.Time, trafficLimitGB, deviceLimit int, squads []string) error {
	const query = `
		UPDATE subscriptions
		SET end_date = $2, traffic_limit_gb = $3, device_limit = $4,
		    connected_squads = $5, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, subscriptionID, endDate, trafficLimitGB, deviceLimit, squads)
	if err != nil {
		return fmt.Errorf("failed to apply panel state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// PanelIdentity carries the panel-side identity of a subscription.
type PanelIdentity struct {
	UUID       *string
	ShortUUID  *string
	URL        string
	CryptoLink string
}

// UpdatePanelIdentity persists the panel identity resolved for a
// subscription.
func (r *SubscriptionRepository) UpdatePanelIdentity(ctx context.Context, subscriptionID int64, identity PanelIdentity) error {
	const query = `
		UPDATE subscriptions
		SET remnawave_uuid = $2, remnawave_short_uuid = $3,
		    subscription_url = $4, subscription_crypto_link = $5,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, subscriptionID,
		identity.UUID, identity.ShortUUID, identity.URL, identity.CryptoLink)
	if err != nil {
		return fmt.Errorf("failed to update panel identity: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// UpdateUsage stores the traffic consumption reported by the panel.
func (r *SubscriptionRepository) UpdateUsage(ctx context.Context, subscriptionID int64, usedGB float64) error {
	const query = `
		UPDATE subscriptions
		SET traffic_used_gb = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, subscriptionID, usedGB)
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SetStatus overwrites the subscription status.
func (r *SubscriptionRepository) SetStatus(ctx context.Context, subscriptionID int64, status string) error {
	const query = `
		UPDATE subscriptions
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, subscriptionID, status)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// DisableAndReset marks the subscription disabled and detaches it from the
// panel. The row itself is kept so history and a later repurchase survive.
func (r *SubscriptionRepository) DisableAndReset(ctx context.Context, subscriptionID int64) error {
	const query = `
		UPDATE subscriptions
		SET status = $2, remnawave_uuid = NULL, remnawave_short_uuid = NULL,
		    subscription_url = '', subscription_crypto_link = '',
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, subscriptionID, model.SubscriptionStatusDisabled)
	if err != nil {
		return fmt.Errorf("failed to disable subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// ClearPanelIdentity wipes a dangling panel identity, including the squad
// bindings that came from it, without touching the subscription status.
func (r *SubscriptionRepository) ClearPanelIdentity(ctx context.Context, subscriptionID int64) error {
	const query = `
		UPDATE subscriptions
		SET remnawave_uuid = NULL, remnawave_short_uuid = NULL,
		    subscription_url = '', subscription_crypto_link = '',
		    connected_squads = '{}', updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to clear panel identity: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// ListBatch pages through all subscriptions for reconciliation, ordered by
// ID for a stable cursor.
func (r *SubscriptionRepository) ListBatch(ctx context.Context, offset, limit int) ([]*model.Subscription, error) {
	const query = `
		SELECT` + subscriptionColumns + `
		FROM subscriptions
		ORDER BY id
		OFFSET $1 LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return r.collect(rows)
}

// ListExpired returns active or trial subscriptions whose end date has
// passed, for the expiry sweep.
func (r *SubscriptionRepository) ListExpired(ctx context.Context, limit int) ([]*model.Subscription, error) {
	const query = `
		SELECT` + subscriptionColumns + `
		FROM subscriptions
		WHERE status IN ($1, $2) AND end_date < NOW()
		ORDER BY end_date
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query,
		model.SubscriptionStatusActive, model.SubscriptionStatusTrial, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired subscriptions: %w", err)
	}
	return r.collect(rows)
}

// CreateConversion records a trial converting into its first paid period.
func (r *SubscriptionRepository) CreateConversion(ctx context.Context, c model.SubscriptionConversion) error {
	const query = `
		INSERT INTO subscription_conversions (
			user_id, trial_duration_days, payment_method,
			first_payment_amount_kopeks, first_paid_period_days, created_at
		)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`

	_, err := r.db.Exec(ctx, query,
		c.UserID, c.TrialDurationDays, c.PaymentMethod,
		c.FirstPaymentAmountKopeks, c.FirstPaidPeriodDays)
	if err != nil {
		return fmt.Errorf("failed to create conversion record: %w", err)
	}
	return nil
}
