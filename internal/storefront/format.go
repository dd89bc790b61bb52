package storefront

import (
	"fmt"
	"strings"
	"time"

	"telegram-vpn-bot/internal/model"
	"telegram-vpn-bot/internal/pkg/tariff"
	"telegram-vpn-bot/internal/service"
)

const divider = "━━━━━━━━━━━━━━━"

// FormatKopeks renders a kopek amount as rubles.
func FormatKopeks(kopeks int64) string {
	return fmt.Sprintf("%.2f ₽", float64(kopeks)/100)
}

// TariffName returns the user-facing name of a tariff.
func TariffName(code string) string {
	if tariff.Code(code) == tariff.White {
		return "Белый"
	}
	return "Стандарт"
}

// FormatWelcome creates the storefront greeting.
func FormatWelcome(balanceKopeks int64) string {
	var b strings.Builder
	b.WriteString("🛡 VPN-подписки\n")
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "💰 Баланс: %s\n", FormatKopeks(balanceKopeks))
	b.WriteString(divider + "\n")
	b.WriteString("Выберите тариф:")
	return b.String()
}

// FormatBreakdown renders the quote before confirmation.
func FormatBreakdown(draft string, b *service.PriceBreakdown) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🧾 Заказ: %s\n", TariffName(draft))
	sb.WriteString(divider + "\n")
	if b.PeriodKopeks > 0 {
		fmt.Fprintf(&sb, "📅 Период %d дней: %s\n", b.PeriodDays, FormatKopeks(b.PeriodKopeks))
	}
	if b.TrafficKopeks > 0 {
		fmt.Fprintf(&sb, "📶 Трафик: %s\n", FormatKopeks(b.TrafficKopeks))
	}
	if b.DevicesKopeks > 0 {
		fmt.Fprintf(&sb, "📱 Устройства: %s\n", FormatKopeks(b.DevicesKopeks))
	}
	if b.PromoOfferKopeks > 0 {
		fmt.Fprintf(&sb, "🏷 Скидка %d%%: -%s\n", b.PromoOfferPercent, FormatKopeks(b.PromoOfferKopeks))
	}
	sb.WriteString(divider + "\n")
	fmt.Fprintf(&sb, "💳 Итого: %s", FormatKopeks(b.TotalKopeks))
	return sb.String()
}

// FormatSubscription renders one subscription for /my.
func FormatSubscription(sub *model.Subscription) string {
	var b strings.Builder
	fmt.Fprintf(&b, "▫️ %s — %s\n", TariffName(sub.TariffCode), statusName(sub))

	if tariff.Code(sub.TariffCode) == tariff.White {
		left := float64(sub.TrafficLimitGB) - sub.TrafficUsedGB
		if left < 0 {
			left = 0
		}
		fmt.Fprintf(&b, "   📶 Осталось: %.1f ГБ из %d ГБ\n", left, sub.TrafficLimitGB)
	} else {
		fmt.Fprintf(&b, "   📅 До: %s\n", sub.EndDate.Format("02.01.2006"))
		if sub.TrafficLimitGB > 0 {
			fmt.Fprintf(&b, "   📶 Трафик: %.1f из %d ГБ\n", sub.TrafficUsedGB, sub.TrafficLimitGB)
		} else {
			b.WriteString("   📶 Трафик: безлимит\n")
		}
		fmt.Fprintf(&b, "   📱 Устройств: %d\n", sub.DeviceLimit)
	}

	if sub.SubscriptionURL != "" && sub.IsActive() {
		fmt.Fprintf(&b, "   🔗 %s\n", sub.SubscriptionURL)
	}
	return b.String()
}

func statusName(sub *model.Subscription) string {
	switch sub.Status {
	case model.SubscriptionStatusActive:
		if sub.EndDate.Before(time.Now()) {
			return "⚠️ истекает"
		}
		return "✅ активна"
	case model.SubscriptionStatusTrial:
		return "🎁 пробная"
	case model.SubscriptionStatusPending:
		return "⏳ ожидает оплаты"
	case model.SubscriptionStatusExpired:
		return "⌛ истекла"
	default:
		return "🚫 отключена"
	}
}

// FormatHistory renders recent ledger entries for /balance.
func FormatHistory(balanceKopeks int64, txs []*model.Transaction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💰 Баланс: %s\n", FormatKopeks(balanceKopeks))
	if len(txs) == 0 {
		return b.String()
	}
	b.WriteString(divider + "\n")
	b.WriteString("Последние операции:\n")
	for _, tx := range txs {
		sign := "+"
		amount := tx.AmountKopeks
		if amount < 0 {
			sign = "-"
			amount = -amount
		}
		fmt.Fprintf(&b, "%s %s%s — %s\n",
			tx.CreatedAt.Format("02.01"), sign, FormatKopeks(amount), txName(tx.Type))
	}
	return b.String()
}

func txName(txType string) string {
	switch txType {
	case model.TxTypeDeposit:
		return "пополнение"
	case model.TxTypeSubscriptionPayment:
		return "оплата подписки"
	case model.TxTypeRefund:
		return "возврат"
	case model.TxTypeContestPrize:
		return "приз конкурса"
	case model.TxTypeAdminAdd:
		return "начисление"
	case model.TxTypeAdminSub:
		return "списание"
	default:
		return txType
	}
}
