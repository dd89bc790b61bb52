package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"telegram-vpn-bot/internal/checkout"
	"telegram-vpn-bot/internal/config"
	"telegram-vpn-bot/internal/model"
	"telegram-vpn-bot/internal/pkg/tariff"
)

func testPricingConfig() *config.PricingConfig {
	return &config.PricingConfig{
		Periods: map[int]int64{
			30:  29900,
			90:  79900,
			180: 149900,
		},
		TrafficPackages: map[int]int64{
			50:  15000,
			100: 25000,
			0:   45000, // unlimited
		},
		DevicePriceMonthly:      5000,
		DevicesIncluded:         1,
		MaxDevices:              5,
		DevicesSelectionEnabled: true,
		DefaultDeviceLimit:      1,
	}
}

func TestPricingService_StandardBreakdown(t *testing.T) {
	svc := NewPricingService(testPricingConfig())

	// 90 days = 3 months: period once, traffic and extra devices monthly
	b, err := svc.Price(&checkout.Draft{
		TariffCode: tariff.Standard.String(),
		PeriodDays: 90,
		TrafficGB:  50,
		Devices:    3,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, b.Months)
	assert.Equal(t, int64(79900), b.PeriodKopeks)
	assert.Equal(t, int64(15000*3), b.TrafficKopeks)
	assert.Equal(t, int64(5000*2*3), b.DevicesKopeks)
	assert.Equal(t, b.PeriodKopeks+b.TrafficKopeks+b.DevicesKopeks, b.TotalKopeks)
}

func TestPricingService_ShortPeriodIsOneMonth(t *testing.T) {
	svc := NewPricingService(testPricingConfig())

	b, err := svc.Price(&checkout.Draft{
		TariffCode: tariff.Standard.String(),
		PeriodDays: 30,
		TrafficGB:  100,
		Devices:    1,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, b.Months)
	assert.Equal(t, int64(25000), b.TrafficKopeks)
	assert.Zero(t, b.DevicesKopeks)
}

func TestPricingService_WhiteIsOneOffPackage(t *testing.T) {
	svc := NewPricingService(testPricingConfig())

	b, err := svc.Price(&checkout.Draft{
		TariffCode: tariff.White.String(),
		TrafficGB:  100,
		Devices:    4, // ignored for traffic-billed tariffs
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, b.Months)
	assert.Zero(t, b.PeriodKopeks)
	assert.Zero(t, b.DevicesKopeks)
	assert.Equal(t, int64(25000), b.TotalKopeks)
}

func TestPricingService_PromoGroupDiscounts(t *testing.T) {
	svc := NewPricingService(testPricingConfig())
	promo := &model.PromoGroup{
		PeriodDiscountPercent:  10,
		TrafficDiscountPercent: 20,
		DeviceDiscountPercent:  50,
	}

	b, err := svc.Price(&checkout.Draft{
		TariffCode: tariff.Standard.String(),
		PeriodDays: 30,
		TrafficGB:  50,
		Devices:    2,
	}, promo)
	require.NoError(t, err)

	assert.Equal(t, int64(29900*90/100), b.PeriodKopeks)
	assert.Equal(t, int64(15000*80/100), b.TrafficKopeks)
	assert.Equal(t, int64(5000*50/100), b.DevicesKopeks)
}

func TestPricingService_PromoOfferAppliedLast(t *testing.T) {
	svc := NewPricingService(testPricingConfig())
	promo := &model.PromoGroup{TrafficDiscountPercent: 20}

	b, err := svc.Price(&checkout.Draft{
		TariffCode:        tariff.White.String(),
		TrafficGB:         50,
		PromoOfferPercent: 25,
	}, promo)
	require.NoError(t, err)

	// Group discount first, then the offer on the discounted subtotal
	subtotal := int64(15000 * 80 / 100)
	assert.Equal(t, subtotal, b.SubtotalKopeks)
	assert.Equal(t, subtotal*75/100, b.TotalKopeks)
	assert.Equal(t, subtotal-b.TotalKopeks, b.PromoOfferKopeks)
}

func TestPricingService_Errors(t *testing.T) {
	svc := NewPricingService(testPricingConfig())

	_, err := svc.Price(&checkout.Draft{
		TariffCode: tariff.Standard.String(),
		PeriodDays: 45,
		Devices:    1,
	}, nil)
	assert.ErrorIs(t, err, ErrUnknownPeriod)

	_, err = svc.Price(&checkout.Draft{
		TariffCode: tariff.White.String(),
		TrafficGB:  77,
	}, nil)
	assert.ErrorIs(t, err, ErrUnknownTrafficPackage)

	_, err = svc.Price(&checkout.Draft{
		TariffCode: tariff.Standard.String(),
		PeriodDays: 30,
		Devices:    9,
	}, nil)
	assert.ErrorIs(t, err, ErrInvalidDeviceCount)
}

func TestPricingService_DeviceSelectionDisabledUsesDefault(t *testing.T) {
	cfg := testPricingConfig()
	cfg.DevicesSelectionEnabled = false
	cfg.DefaultDeviceLimit = 1
	svc := NewPricingService(cfg)

	b, err := svc.Price(&checkout.Draft{
		TariffCode: tariff.Standard.String(),
		PeriodDays: 30,
		Devices:    4, // ignored
	}, nil)
	require.NoError(t, err)
	assert.Zero(t, b.DevicesKopeks)
}

func TestWithinTolerance(t *testing.T) {
	// Fixed floor for small totals
	assert.True(t, WithinTolerance(10000, 10500))
	assert.False(t, WithinTolerance(10000, 10501))

	// Percent floor for large totals: 5% of 100000 = 5000
	assert.True(t, WithinTolerance(95000, 100000))
	assert.False(t, WithinTolerance(94999, 100000))

	assert.True(t, WithinTolerance(0, 0))
}

func TestWithinToleranceProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		actual := rapid.Int64Range(0, 10_000_000).Draw(t, "actual")
		quoted := rapid.Int64Range(0, 10_000_000).Draw(t, "quoted")

		if WithinTolerance(quoted, actual) {
			diff := quoted - actual
			if diff < 0 {
				diff = -diff
			}
			limit := int64(500)
			if pct := actual * 5 / 100; pct > limit {
				limit = pct
			}
			if diff > limit {
				t.Fatalf("accepted drift %d beyond limit %d", diff, limit)
			}
		}

		// Exact quotes always pass
		if !WithinTolerance(actual, actual) {
			t.Fatalf("exact quote rejected for %d", actual)
		}
	})
}

func TestApplyDiscountProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		price := rapid.Int64Range(0, 10_000_000).Draw(t, "price")
		percent := rapid.IntRange(-50, 200).Draw(t, "percent")

		got := applyDiscount(price, percent)
		if got < 0 || got > price {
			t.Fatalf("discounted price %d outside [0, %d]", got, price)
		}
		if percent <= 0 && got != price {
			t.Fatalf("non-positive percent changed price: %d -> %d", price, got)
		}
		if percent >= 100 && got != 0 {
			t.Fatalf("full discount left %d", got)
		}
	})
}
