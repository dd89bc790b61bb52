// Package model defines the data models for the VPN subscription bot.
package model

import "time"

// User represents a Telegram user account.
type User struct {
	ID                      int64     `db:"id"`
	TelegramID              int64     `db:"telegram_id"`
	Username                string    `db:"username"`
	FullName                string    `db:"full_name"`
	Language                string    `db:"language"`
	BalanceKopeks           int64     `db:"balance_kopeks"`
	Status                  string    `db:"status"`
	RemnawaveUUID           *string   `db:"remnawave_uuid"`
	PromoGroupID            *int64    `db:"promo_group_id"`
	HasHadPaidSubscription  bool      `db:"has_had_paid_subscription"`
	RestrictionSubscription bool      `db:"restriction_subscription"`
	RestrictionReason       *string   `db:"restriction_reason"`
	CreatedAt               time.Time `db:"created_at"`
	UpdatedAt               time.Time `db:"updated_at"`
}

// User statuses.
const (
	UserStatusActive  = "active"
	UserStatusBlocked = "blocked"
	UserStatusDeleted = "deleted"
)

// PromoOffer is a one-shot personal discount. It applies on top of the
// promo group discounts and burns on the first successful purchase.
type PromoOffer struct {
	ID              int64      `db:"id"`
	UserID          int64      `db:"user_id"`
	DiscountPercent int        `db:"discount_percent"`
	Used            bool       `db:"used"`
	ExpiresAt       *time.Time `db:"expires_at"`
	CreatedAt       time.Time  `db:"created_at"`
}

// PromoGroup holds percentage discounts applied to subscription pricing.
type PromoGroup struct {
	ID                     int64  `db:"id"`
	Name                   string `db:"name"`
	PeriodDiscountPercent  int    `db:"period_discount_percent"`
	TrafficDiscountPercent int    `db:"traffic_discount_percent"`
	DeviceDiscountPercent  int    `db:"device_discount_percent"`
}

// Subscription represents one tariff-scoped subscription row. A user holds
// at most one subscription per tariff code.
type Subscription struct {
	ID                     int64     `db:"id"`
	UserID                 int64     `db:"user_id"`
	TariffCode             string    `db:"tariff_code"`
	Status                 string    `db:"status"`
	IsTrial                bool      `db:"is_trial"`
	StartDate              time.Time `db:"start_date"`
	EndDate                time.Time `db:"end_date"`
	TrafficLimitGB         int       `db:"traffic_limit_gb"`
	TrafficUsedGB          float64   `db:"traffic_used_gb"`
	PurchasedTrafficGB     int       `db:"purchased_traffic_gb"`
	DeviceLimit            int       `db:"device_limit"`
	ModemEnabled           bool      `db:"modem_enabled"`
	ConnectedSquads        []string  `db:"connected_squads"`
	RemnawaveUUID          *string   `db:"remnawave_uuid"`
	RemnawaveShortUUID     *string   `db:"remnawave_short_uuid"`
	SubscriptionURL        string    `db:"subscription_url"`
	SubscriptionCryptoLink string    `db:"subscription_crypto_link"`
	AutopayEnabled         bool      `db:"autopay_enabled"`
	AutopayDaysBefore      int       `db:"autopay_days_before"`
	LastPaidPeriodDays     int       `db:"last_paid_period_days"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

// Subscription statuses.
const (
	SubscriptionStatusPending  = "pending"
	SubscriptionStatusTrial    = "trial"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusExpired  = "expired"
	SubscriptionStatusDisabled = "disabled"
)

// WhiteEndDate is the fixed far-future expiry used for traffic-billed
// subscriptions, which never expire by date.
var WhiteEndDate = time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)

// IsActive reports whether the subscription currently grants access.
func (s *Subscription) IsActive() bool {
	return (s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusTrial) &&
		s.EndDate.After(time.Now().UTC())
}

// ActualEndDate returns the effective expiry, extending from now when the
// stored end date is already in the past.
func (s *Subscription) ActualEndDate(addDays int) time.Time {
	base := s.EndDate
	if now := time.Now().UTC(); base.Before(now) {
		base = now
	}
	return base.AddDate(0, 0, addDays)
}

// Transaction represents an immutable balance ledger entry. Amounts are in
// kopeks; negative amounts are debits.
type Transaction struct {
	ID            int64     `db:"id"`
	UserID        int64     `db:"user_id"`
	Type          string    `db:"type"`
	AmountKopeks  int64     `db:"amount_kopeks"`
	Description   *string   `db:"description"`
	PaymentMethod *string   `db:"payment_method"`
	CreatedAt     time.Time `db:"created_at"`
}

// Transaction types for categorizing balance changes.
const (
	TxTypeDeposit             = "deposit"              // Top-up via a payment provider
	TxTypeSubscriptionPayment = "subscription_payment" // Purchase or extension debit
	TxTypeRefund              = "refund"               // Manual refund credit
	TxTypeContestPrize        = "contest_prize"        // Balance prize from a contest round
	TxTypeAdminAdd            = "admin_add"            // Admin added balance
	TxTypeAdminSub            = "admin_sub"            // Admin subtracted balance
)

// SubscriptionConversion records a trial converting into a paid
// subscription, for analytics.
type SubscriptionConversion struct {
	ID                       int64     `db:"id"`
	UserID                   int64     `db:"user_id"`
	TrialDurationDays        int       `db:"trial_duration_days"`
	PaymentMethod            string    `db:"payment_method"`
	FirstPaymentAmountKopeks int64     `db:"first_payment_amount_kopeks"`
	FirstPaidPeriodDays      int       `db:"first_paid_period_days"`
	CreatedAt                time.Time `db:"created_at"`
}

// ServerSquad is a panel squad available for connection, with a local
// member counter.
type ServerSquad struct {
	ID                int64  `db:"id"`
	SquadUUID         string `db:"squad_uuid"`
	Name              string `db:"name"`
	AvailableForTrial bool   `db:"available_for_trial"`
	UserCount         int64  `db:"user_count"`
}

// ContestRound is one prize round of a contest game.
type ContestRound struct {
	ID           int64     `db:"id"`
	GameType     string    `db:"game_type"`
	PrizeType    string    `db:"prize_type"`
	PrizeValue   int64     `db:"prize_value"`
	Payload      string    `db:"payload"`
	MaxWinners   int       `db:"max_winners"`
	WinnersCount int       `db:"winners_count"`
	CreatedAt    time.Time `db:"created_at"`
}

// Contest prize types.
const (
	PrizeTypeDays      = "days"       // Extend the standard subscription
	PrizeTypeTrafficGB = "traffic_gb" // Add purchased traffic to the white subscription
	PrizeTypeBalance   = "balance"    // Credit kopeks to the balance
	PrizeTypeCustom    = "custom"     // Manual fulfilment, message only
)

// ContestAttempt is one user's attempt in a round. A user gets a single
// attempt per round.
type ContestAttempt struct {
	ID        int64     `db:"id"`
	RoundID   int64     `db:"round_id"`
	UserID    int64     `db:"user_id"`
	Answer    string    `db:"answer"`
	IsWinner  bool      `db:"is_winner"`
	CreatedAt time.Time `db:"created_at"`
}
