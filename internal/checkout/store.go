// Package checkout keeps the purchase wizard's short-lived state in Redis:
// the draft being assembled, the saved cart waiting for a top-up, and the
// one-shot confirmation token.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrNotFound is returned when no draft or cart exists for the user.
var ErrNotFound = errors.New("checkout state not found")

// Wizard steps a draft moves through.
const (
	StepTariff  = "tariff"
	StepPeriod  = "period"
	StepTraffic = "traffic"
	StepDevices = "devices"
	StepConfirm = "confirm"
)

// Draft is the purchase the wizard is assembling for a user.
type Draft struct {
	TariffCode        string `json:"tariff_code"`
	Step              string `json:"step"`
	Extend            bool   `json:"extend"`
	PeriodDays        int    `json:"period_days"`
	TrafficGB         int    `json:"traffic_gb"`
	Devices           int    `json:"devices"`
	ModemEnabled      bool   `json:"modem_enabled"`
	PromoOfferID      int64  `json:"promo_offer_id"`
	PromoOfferPercent int    `json:"promo_offer_percent"`
	TotalKopeks       int64  `json:"total_kopeks"`
}

// Store persists checkout state in Redis with per-kind TTLs.
type Store struct {
	rdb      *redis.Client
	draftTTL time.Duration
	cartTTL  time.Duration
	tokenTTL time.Duration
}

// NewStore creates a checkout store.
func NewStore(rdb *redis.Client, draftTTL, cartTTL, tokenTTL time.Duration) *Store {
	return &Store{rdb: rdb, draftTTL: draftTTL, cartTTL: cartTTL, tokenTTL: tokenTTL}
}

func draftKey(userID int64) string {
	return fmt.Sprintf("checkout:draft:%d", userID)
}

func cartKey(userID int64) string {
	return fmt.Sprintf("checkout:cart:%d", userID)
}

func tokenKey(userID int64) string {
	return fmt.Sprintf("checkout:token:%d", userID)
}

func (s *Store) set(ctx context.Context, key string, draft *Draft, ttl time.Duration) error {
	data, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("failed to encode draft: %w", err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store draft: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) (*Draft, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load draft: %w", err)
	}
	var draft Draft
	if err := json.Unmarshal(data, &draft); err != nil {
		return nil, fmt.Errorf("failed to decode draft: %w", err)
	}
	return &draft, nil
}

// SaveDraft stores the wizard draft, refreshing its TTL.
func (s *Store) SaveDraft(ctx context.Context, userID int64, draft *Draft) error {
	return s.set(ctx, draftKey(userID), draft, s.draftTTL)
}

// GetDraft loads the wizard draft.
func (s *Store) GetDraft(ctx context.Context, userID int64) (*Draft, error) {
	return s.get(ctx, draftKey(userID))
}

// DeleteDraft discards the wizard draft.
func (s *Store) DeleteDraft(ctx context.Context, userID int64) error {
	if err := s.rdb.Del(ctx, draftKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	return nil
}

// SaveCart stores a priced draft the user could not afford, to retry after
// a top-up.
func (s *Store) SaveCart(ctx context.Context, userID int64, draft *Draft) error {
	return s.set(ctx, cartKey(userID), draft, s.cartTTL)
}

// GetCart loads the saved cart.
func (s *Store) GetCart(ctx context.Context, userID int64) (*Draft, error) {
	return s.get(ctx, cartKey(userID))
}

// DeleteCart discards the saved cart.
func (s *Store) DeleteCart(ctx context.Context, userID int64) error {
	if err := s.rdb.Del(ctx, cartKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	return nil
}

// IssueConfirmToken mints a fresh confirmation token for the user's
// pending purchase, replacing any previous one.
func (s *Store) IssueConfirmToken(ctx context.Context, userID int64) (string, error) {
	token := uuid.NewString()
	if err := s.rdb.Set(ctx, tokenKey(userID), token, s.tokenTTL).Err(); err != nil {
		return "", fmt.Errorf("failed to issue confirm token: %w", err)
	}
	return token, nil
}

// ConsumeConfirmToken atomically removes the stored token and reports
// whether it matches. A second confirmation with the same token fails.
func (s *Store) ConsumeConfirmToken(ctx context.Context, userID int64, token string) (bool, error) {
	stored, err := s.rdb.GetDel(ctx, tokenKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to consume confirm token: %w", err)
	}
	return stored == token, nil
}
