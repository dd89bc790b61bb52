// Package service provides business logic implementations.
package service

import (
	"errors"
	"fmt"

	"telegram-vpn-bot/internal/checkout"
	"telegram-vpn-bot/internal/config"
	"telegram-vpn-bot/internal/model"
	"telegram-vpn-bot/internal/pkg/tariff"
)

// Pricing errors
var (
	ErrUnknownPeriod         = errors.New("unknown subscription period")
	ErrUnknownTrafficPackage = errors.New("unknown traffic package")
	ErrInvalidDeviceCount    = errors.New("invalid device count")
)

// Price drift between quote and confirmation is tolerated up to the larger
// of a fixed amount and a share of the server-side total.
const (
	priceToleranceKopeks  = int64(500)
	priceTolerancePercent = int64(5)
)

// PriceBreakdown is the server-side pricing of a checkout draft, in
// kopeks.
type PriceBreakdown struct {
	PeriodDays        int
	Months            int
	PeriodKopeks      int64
	TrafficKopeks     int64
	DevicesKopeks     int64
	SubtotalKopeks    int64
	PromoOfferPercent int
	PromoOfferKopeks  int64
	TotalKopeks       int64
}

// PricingService derives purchase totals from the configured price tables
// and the user's promo group. All derivation is repeated server-side at
// confirmation; the draft's quoted total is never trusted.
type PricingService struct {
	cfg *config.PricingConfig
}

// NewPricingService creates a new PricingService instance.
func NewPricingService(cfg *config.PricingConfig) *PricingService {
	return &PricingService{cfg: cfg}
}

// months converts a period length to whole months, at least one.
func months(days int) int {
	m := days / 30
	if m < 1 {
		m = 1
	}
	return m
}

// applyDiscount reduces price by percent, flooring to whole kopeks.
// Percents outside [0,100] are clamped.
func applyDiscount(price int64, percent int) int64 {
	if percent <= 0 {
		return price
	}
	if percent >= 100 {
		return 0
	}
	return price * int64(100-percent) / 100
}

// Price computes the full breakdown for a draft. promo may be nil when the
// user has no promo group.
func (s *PricingService) Price(draft *checkout.Draft, promo *model.PromoGroup) (*PriceBreakdown, error) {
	var periodDiscount, trafficDiscount, deviceDiscount int
	if promo != nil {
		periodDiscount = promo.PeriodDiscountPercent
		trafficDiscount = promo.TrafficDiscountPercent
		deviceDiscount = promo.DeviceDiscountPercent
	}

	b := &PriceBreakdown{
		PeriodDays:        draft.PeriodDays,
		PromoOfferPercent: draft.PromoOfferPercent,
	}

	code := tariff.Code(draft.TariffCode)
	if code == tariff.White {
		// Traffic-billed: a one-off traffic package, no period or device
		// components, duration pinned far in the future.
		b.Months = 1
		packagePrice, ok := s.cfg.TrafficPackages[draft.TrafficGB]
		if !ok {
			return nil, fmt.Errorf("%w: %d GB", ErrUnknownTrafficPackage, draft.TrafficGB)
		}
		b.TrafficKopeks = applyDiscount(packagePrice, trafficDiscount)
	} else {
		periodPrice, ok := s.cfg.Periods[draft.PeriodDays]
		if !ok {
			return nil, fmt.Errorf("%w: %d days", ErrUnknownPeriod, draft.PeriodDays)
		}
		b.Months = months(draft.PeriodDays)
		b.PeriodKopeks = applyDiscount(periodPrice, periodDiscount)

		if draft.TrafficGB > 0 {
			packagePrice, ok := s.cfg.TrafficPackages[draft.TrafficGB]
			if !ok {
				return nil, fmt.Errorf("%w: %d GB", ErrUnknownTrafficPackage, draft.TrafficGB)
			}
			b.TrafficKopeks = applyDiscount(packagePrice, trafficDiscount) * int64(b.Months)
		}

		devices := draft.Devices
		if !s.cfg.DevicesSelectionEnabled {
			devices = s.cfg.DefaultDeviceLimit
		}
		if devices < 1 || devices > s.cfg.MaxDevices {
			return nil, fmt.Errorf("%w: %d", ErrInvalidDeviceCount, devices)
		}
		if extra := devices - s.cfg.DevicesIncluded; extra > 0 {
			b.DevicesKopeks = applyDiscount(s.cfg.DevicePriceMonthly, deviceDiscount) * int64(extra) * int64(b.Months)
		}
	}

	b.SubtotalKopeks = b.PeriodKopeks + b.TrafficKopeks + b.DevicesKopeks

	// The promo-offer percent is applied last, on top of group discounts
	if draft.PromoOfferPercent > 0 {
		b.TotalKopeks = applyDiscount(b.SubtotalKopeks, draft.PromoOfferPercent)
		b.PromoOfferKopeks = b.SubtotalKopeks - b.TotalKopeks
	} else {
		b.TotalKopeks = b.SubtotalKopeks
	}

	return b, nil
}

// WithinTolerance reports whether a quoted total is close enough to the
// authoritative one to honor.
func WithinTolerance(quoted, actual int64) bool {
	diff := quoted - actual
	if diff < 0 {
		diff = -diff
	}
	tolerance := priceToleranceKopeks
	if pct := actual * priceTolerancePercent / 100; pct > tolerance {
		tolerance = pct
	}
	return diff <= tolerance
}
